// Package repository содержит реализацию доступа к данным в PostgreSQL.
// База данных — единственный источник истины, разделяемый всеми
// экземплярами сервиса; в памяти процесса состояние не хранится.
package repository

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/abelyaev/lnhub-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// balanceCacheTTL ограничивает время жизни закэшированного баланса.
// Кэш инвалидируется явно при каждой мутации; TTL лишь страхует чтения
// между мутацией одного экземпляра и чтением другого.
const balanceCacheTTL = 20 * time.Second

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvoiceNotFound возвращается, если инвойс с указанным хэшем не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrPreimageNotFound возвращается, если для хэша не сохранён preimage.
	ErrPreimageNotFound = errors.New("preimage not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с парой токенов доступа.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, access_token, refresh_token)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		u.Login, u.PasswordHash, u.AccessToken, u.RefreshToken,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) getUser(ctx context.Context, condition string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, access_token, refresh_token, created_at
		 FROM users
		 WHERE `+condition,
		arg,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.AccessToken, &u.RefreshToken, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.getUser(ctx, `login = $1`, login)
}

// GetUserByAccessToken возвращает пользователя по токену доступа.
func (r *PostgresRepository) GetUserByAccessToken(ctx context.Context, token string) (*model.User, error) {
	return r.getUser(ctx, `access_token = $1`, token)
}

// GetUserByRefreshToken возвращает пользователя по refresh-токену.
func (r *PostgresRepository) GetUserByRefreshToken(ctx context.Context, token string) (*model.User, error) {
	return r.getUser(ctx, `refresh_token = $1`, token)
}

// UpdateUserTokens заменяет пару токенов пользователя.
func (r *PostgresRepository) UpdateUserTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET access_token = $2, refresh_token = $3 WHERE id = $1`,
		userID, accessToken, refreshToken,
	)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// SavePreimage сохраняет preimage по хэшу платежа. Выполняется до обращения
// к узлу, чтобы секрет не потерялся при сбое после выпуска инвойса.
func (r *PostgresRepository) SavePreimage(ctx context.Context, paymentHash, preimage string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO preimages (payment_hash, preimage) VALUES ($1, $2)
		 ON CONFLICT (payment_hash) DO NOTHING`,
		paymentHash, preimage,
	)
	if err != nil {
		return fmt.Errorf("save preimage: %w", err)
	}
	return nil
}

// GetPreimage возвращает preimage по хэшу платежа.
func (r *PostgresRepository) GetPreimage(ctx context.Context, paymentHash string) (string, error) {
	var preimage string
	err := r.pool.QueryRow(ctx,
		`SELECT preimage FROM preimages WHERE payment_hash = $1`,
		paymentHash,
	).Scan(&preimage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrPreimageNotFound
		}
		return "", fmt.Errorf("get preimage: %w", err)
	}
	return preimage, nil
}

// SaveInvoice сохраняет выставленный пользователем инвойс.
func (r *PostgresRepository) SaveInvoice(ctx context.Context, inv *model.Invoice) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO invoices (payment_hash, user_id, payment_request, amount_sat, memo, expiry_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inv.PaymentHash, inv.UserID, inv.PaymentRequest, inv.Amount, inv.Memo, inv.Expiry,
	)
	if err != nil {
		return fmt.Errorf("save invoice: %w", err)
	}
	return nil
}

// GetInvoiceByHash возвращает инвойс по хэшу платежа.
func (r *PostgresRepository) GetInvoiceByHash(ctx context.Context, paymentHash string) (*model.Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT payment_hash, user_id, payment_request, amount_sat, memo, expiry_seconds, is_paid, created_at
		 FROM invoices
		 WHERE payment_hash = $1`,
		paymentHash,
	)

	var inv model.Invoice
	err := row.Scan(&inv.PaymentHash, &inv.UserID, &inv.PaymentRequest, &inv.Amount,
		&inv.Memo, &inv.Expiry, &inv.IsPaid, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	return &inv, nil
}

// GetUserInvoices возвращает последние инвойсы пользователя.
func (r *PostgresRepository) GetUserInvoices(ctx context.Context, userID int64, limit int) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payment_hash, user_id, payment_request, amount_sat, memo, expiry_seconds, is_paid, created_at
		 FROM invoices
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		var inv model.Invoice
		if err := rows.Scan(&inv.PaymentHash, &inv.UserID, &inv.PaymentRequest, &inv.Amount,
			&inv.Memo, &inv.Expiry, &inv.IsPaid, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		res = append(res, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkInvoicePaid помечает инвойс оплаченным. Операция идемпотентна:
// повторный вызов с тем же хэшем ничего не меняет.
func (r *PostgresRepository) MarkInvoicePaid(ctx context.Context, paymentHash string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE invoices SET is_paid = TRUE WHERE payment_hash = $1`,
		paymentHash,
	)
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	return nil
}

// UserIDByPaymentHash возвращает владельца инвойса с указанным хэшем.
func (r *PostgresRepository) UserIDByPaymentHash(ctx context.Context, paymentHash string) (int64, error) {
	var userID int64
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM invoices WHERE payment_hash = $1`,
		paymentHash,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInvoiceNotFound
		}
		return 0, fmt.Errorf("get invoice owner: %w", err)
	}
	return userID, nil
}

// SavePayment добавляет запись в журнал исходящих платежей.
func (r *PostgresRepository) SavePayment(ctx context.Context, p *model.Payment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (user_id, payment_hash, payment_request, destination, amount_sat, fee_sat, memo, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.UserID, p.PaymentHash, p.PaymentRequest, p.Destination, p.Amount, p.Fee, p.Memo, p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

// GetPaymentsByUser возвращает последние исполненные платежи пользователя.
func (r *PostgresRepository) GetPaymentsByUser(ctx context.Context, userID int64, limit int) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, payment_hash, payment_request, destination, amount_sat, fee_sat, memo, settled_at
		 FROM payments
		 WHERE user_id = $1
		 ORDER BY settled_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		var p model.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.PaymentHash, &p.PaymentRequest, &p.Destination,
			&p.Amount, &p.Fee, &p.Memo, &p.SettledAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateLockedPayment создаёт резерв средств под исходящий платёж.
func (r *PostgresRepository) CreateLockedPayment(ctx context.Context, lp *model.LockedPayment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO locked_payments (user_id, payment_request, amount_sat, fee_reserve_sat)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, payment_request) DO NOTHING`,
		lp.UserID, lp.PaymentRequest, lp.Amount, lp.FeeReserve,
	)
	if err != nil {
		return fmt.Errorf("create locked payment: %w", err)
	}
	return nil
}

// DeleteLockedPayment снимает резерв средств. Операция идемпотентна.
func (r *PostgresRepository) DeleteLockedPayment(ctx context.Context, userID int64, paymentRequest string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM locked_payments WHERE user_id = $1 AND payment_request = $2`,
		userID, paymentRequest,
	)
	if err != nil {
		return fmt.Errorf("delete locked payment: %w", err)
	}
	return nil
}

// GetLockedPayments возвращает активные резервы пользователя.
func (r *PostgresRepository) GetLockedPayments(ctx context.Context, userID int64) ([]model.LockedPayment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, payment_request, amount_sat, fee_reserve_sat, created_at
		 FROM locked_payments
		 WHERE user_id = $1
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select locked payments: %w", err)
	}
	defer rows.Close()

	var res []model.LockedPayment
	for rows.Next() {
		var lp model.LockedPayment
		if err := rows.Scan(&lp.UserID, &lp.PaymentRequest, &lp.Amount, &lp.FeeReserve, &lp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan locked payment: %w", err)
		}
		res = append(res, lp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// BalanceTotals возвращает суммы, из которых складывается баланс пользователя:
// оплаченные входящие инвойсы, исполненные исходящие платежи с комиссией
// и активные резервы с комиссионным запасом.
func (r *PostgresRepository) BalanceTotals(ctx context.Context, userID int64) (incoming, outgoing, reserved int64, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_sat), 0)
		 FROM invoices
		 WHERE user_id = $1 AND is_paid`,
		userID,
	).Scan(&incoming)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum settled invoices: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_sat + fee_sat), 0)
		 FROM payments
		 WHERE user_id = $1`,
		userID,
	).Scan(&outgoing)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum payments: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_sat + fee_reserve_sat), 0)
		 FROM locked_payments
		 WHERE user_id = $1`,
		userID,
	).Scan(&reserved)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum locked payments: %w", err)
	}

	return incoming, outgoing, reserved, nil
}

// CachedBalance возвращает закэшированный баланс пользователя, если запись
// ещё не устарела.
func (r *PostgresRepository) CachedBalance(ctx context.Context, userID int64) (int64, bool, error) {
	var amount int64
	err := r.pool.QueryRow(ctx,
		`SELECT amount_sat
		 FROM balance_cache
		 WHERE user_id = $1 AND computed_at > now() - make_interval(secs => $2)`,
		userID, balanceCacheTTL.Seconds(),
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get cached balance: %w", err)
	}
	return amount, true, nil
}

// StoreBalanceCache записывает вычисленный баланс в кэш.
func (r *PostgresRepository) StoreBalanceCache(ctx context.Context, userID, amount int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO balance_cache (user_id, amount_sat, computed_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET amount_sat = EXCLUDED.amount_sat, computed_at = EXCLUDED.computed_at`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("store balance cache: %w", err)
	}
	return nil
}

// InvalidateBalanceCache сбрасывает кэш баланса пользователя. Вызывается
// синхронно при каждой мутации, влияющей на баланс.
func (r *PostgresRepository) InvalidateBalanceCache(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM balance_cache WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("invalidate balance cache: %w", err)
	}
	return nil
}

// AcquireLock атомарно захватывает именованную блокировку с ограниченным
// временем жизни. Захват успешен, если записи нет либо прежняя истекла.
// Истёкшая блокировка перехватывается без явного освобождения: TTL служит
// восстановлением после падения держателя.
func (r *PostgresRepository) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return false, fmt.Errorf("generate lock token: %w", err)
	}

	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO app_locks (lock_name, token, acquired_at, expires_at)
		 VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		 ON CONFLICT (lock_name) DO UPDATE
		 SET token = EXCLUDED.token, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		 WHERE app_locks.expires_at <= now()`,
		name, hex.EncodeToString(token), ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// ReleaseLock снимает именованную блокировку. Операция безусловна и
// идемпотентна: снятие не захваченной или истёкшей блокировки не ошибка.
func (r *PostgresRepository) ReleaseLock(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM app_locks WHERE lock_name = $1`,
		name,
	)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// GetUserAddress возвращает он-чейн адрес пользователя, если он уже выпущен.
func (r *PostgresRepository) GetUserAddress(ctx context.Context, userID int64) (string, error) {
	var address string
	err := r.pool.QueryRow(ctx,
		`SELECT address
		 FROM user_addresses
		 WHERE user_id = $1
		 ORDER BY created_at
		 LIMIT 1`,
		userID,
	).Scan(&address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get user address: %w", err)
	}
	return address, nil
}

// SaveUserAddress сохраняет выпущенный для пользователя он-чейн адрес.
func (r *PostgresRepository) SaveUserAddress(ctx context.Context, userID int64, address string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_addresses (address, user_id) VALUES ($1, $2)
		 ON CONFLICT (address) DO NOTHING`,
		address, userID,
	)
	if err != nil {
		return fmt.Errorf("save user address: %w", err)
	}
	return nil
}

// GetUserAddresses возвращает все адреса пользователя.
func (r *PostgresRepository) GetUserAddresses(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT address FROM user_addresses WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user addresses: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		res = append(res, address)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
