package breaker

import (
	"fmt"
	"strings"
)

// Mode - режим работы всей системы
type Mode int32

const (
	ModeNormal Mode = iota
	ModeCautious
	ModeDefensive
	ModeEmergency
	ModeHalted
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeCautious:
		return "Cautious"
	case ModeDefensive:
		return "Defensive"
	case ModeEmergency:
		return "Emergency"
	case ModeHalted:
		return "Halted"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// MarshalText - режим в JSON пишется строкой
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode разбирает имя режима без учета регистра
func ParseMode(s string) (Mode, error) {
	for m := ModeNormal; m <= ModeHalted; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return ModeNormal, fmt.Errorf("unknown breaker mode %q", s)
}

// ValidTransitions определяет допустимые переходы между режимами.
// Эскалация может перепрыгивать уровни, восстановление идет на один уровень.
var ValidTransitions = map[Mode][]Mode{
	ModeNormal:    {ModeCautious, ModeDefensive, ModeEmergency, ModeHalted},
	ModeCautious:  {ModeNormal, ModeDefensive, ModeEmergency, ModeHalted},
	ModeDefensive: {ModeCautious, ModeEmergency, ModeHalted},
	ModeEmergency: {ModeDefensive, ModeHalted},
	ModeHalted:    {ModeDefensive}, // только оператор
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to Mode) bool {
	for _, m := range ValidTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// ModeInfo возвращает описание режима для статуса
func ModeInfo(m Mode) string {
	switch m {
	case ModeNormal:
		return "Trading normally"
	case ModeCautious:
		return "Reduced confidence: upstream sizing is reduced"
	case ModeDefensive:
		return "Only reduce-only commands are accepted"
	case ModeEmergency:
		return "All commands rejected except operator flatten"
	case ModeHalted:
		return "Halted: operator action required"
	default:
		return "Unknown mode"
	}
}
