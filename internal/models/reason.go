package models

// ReasonCode - стабильный код причины отклонения команды.
// Набор закрыт: потребители делают по нему исчерпывающий switch.
type ReasonCode string

const (
	// Граница верификации: до RiskGuard не доходят
	ReasonSignatureInvalid     ReasonCode = "SignatureInvalid"
	ReasonReplayWindowExceeded ReasonCode = "ReplayWindowExceeded"
	ReasonPolicyHashMismatch   ReasonCode = "PolicyHashMismatch" // фатально: система уходит в Halted
	ReasonMalformedCommand     ReasonCode = "MalformedCommand"

	// Отклонения по политике риска (восстановимые)
	ReasonSymbolNotWhitelisted ReasonCode = "SymbolNotWhitelisted"
	ReasonNotionalExceeded     ReasonCode = "NotionalExceeded"
	ReasonLeverageExceeded     ReasonCode = "LeverageExceeded"
	ReasonOrderCapExceeded     ReasonCode = "OrderCapExceeded"
	ReasonSlippageExceeded     ReasonCode = "SlippageExceeded"
	ReasonDailyLossLimitHit    ReasonCode = "DailyLossLimitHit"

	// Допуск
	ReasonRateLimited     ReasonCode = "RateLimited"
	ReasonSystemDefensive ReasonCode = "SystemDefensive"
	ReasonSystemHalted    ReasonCode = "SystemHalted"
)

// AllReasonCodes возвращает весь закрытый набор
func AllReasonCodes() []ReasonCode {
	return []ReasonCode{
		ReasonSignatureInvalid,
		ReasonReplayWindowExceeded,
		ReasonPolicyHashMismatch,
		ReasonMalformedCommand,
		ReasonSymbolNotWhitelisted,
		ReasonNotionalExceeded,
		ReasonLeverageExceeded,
		ReasonOrderCapExceeded,
		ReasonSlippageExceeded,
		ReasonDailyLossLimitHit,
		ReasonRateLimited,
		ReasonSystemDefensive,
		ReasonSystemHalted,
	}
}

// Valid сообщает, входит ли код в закрытый набор
func (r ReasonCode) Valid() bool {
	for _, c := range AllReasonCodes() {
		if c == r {
			return true
		}
	}
	return false
}

// IsStructural - ошибки границы верификации (подпись, окно, хеш политики, формат)
func (r ReasonCode) IsStructural() bool {
	switch r {
	case ReasonSignatureInvalid, ReasonReplayWindowExceeded, ReasonPolicyHashMismatch, ReasonMalformedCommand:
		return true
	}
	return false
}

// IsFatal - отклонение переводит процесс в Halted
func (r ReasonCode) IsFatal() bool {
	return r == ReasonPolicyHashMismatch
}

// IsPolicy - отклонение RiskGuard по лимитам политики
func (r ReasonCode) IsPolicy() bool {
	switch r {
	case ReasonSymbolNotWhitelisted, ReasonNotionalExceeded, ReasonLeverageExceeded,
		ReasonOrderCapExceeded, ReasonSlippageExceeded, ReasonDailyLossLimitHit:
		return true
	}
	return false
}
