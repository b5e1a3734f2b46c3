// Package validation содержит проверки входных данных, выполняемые
// до обращения к внешним системам.
package validation

import "strings"

// bech32Charset — допустимые символы данных платёжного запроса BOLT-11.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// IsPaymentRequest выполняет синтаксическую проверку платёжного запроса
// перед дорогим декодированием на узле. Проверка намеренно неполная:
// подпись и контрольная сумма остаются на узле.
func IsPaymentRequest(payReq string) bool {
	if len(payReq) < 20 {
		return false
	}
	if payReq != strings.ToLower(payReq) {
		return false
	}
	if !strings.HasPrefix(payReq, "ln") {
		return false
	}

	sep := strings.LastIndex(payReq, "1")
	if sep < 2 || sep == len(payReq)-1 {
		return false
	}

	for _, c := range payReq[sep+1:] {
		if !strings.ContainsRune(bech32Charset, c) {
			return false
		}
	}

	return true
}
