package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"titan/pkg/utils"
)

// ErrUnsupportedFormat - расширение файла политики не поддерживается
var ErrUnsupportedFormat = errors.New("unsupported policy document format")

// Snapshot - загруженная версия политики, адресуемая хешем содержимого.
// Снимок никогда не меняется: перезагрузка создает новый.
type Snapshot struct {
	policy    RiskPolicy
	hash      string
	canonical []byte
	source    string
	loadedAt  time.Time
}

// Policy возвращает копию политики
func (s *Snapshot) Policy() RiskPolicy { return s.policy.Clone() }

// Hash - hex SHA-256 канонического представления
func (s *Snapshot) Hash() string { return s.hash }

// Canonical возвращает копию канонических байтов
func (s *Snapshot) Canonical() []byte { return append([]byte(nil), s.canonical...) }

// Source - путь файла или "inline"
func (s *Snapshot) Source() string { return s.source }

// LoadedAt - момент загрузки
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Version - версия из документа
func (s *Snapshot) Version() string { return s.policy.Version }

// NewSnapshot нормализует, валидирует и хеширует политику
func NewSnapshot(p RiskPolicy, source string) (*Snapshot, error) {
	norm := p.normalize()
	if err := norm.Validate(); err != nil {
		return nil, err
	}

	canonical, err := utils.CanonicalJSON(norm)
	if err != nil {
		return nil, fmt.Errorf("canonicalize policy: %w", err)
	}

	return &Snapshot{
		policy:    norm,
		hash:      utils.SHA256Hex(canonical),
		canonical: canonical,
		source:    source,
		loadedAt:  time.Now().UTC(),
	}, nil
}

// Parse разбирает документ политики. Отсутствующие поля берутся из Defaults,
// неизвестные поля - ошибка (опечатка в лимите не должна тихо игнорироваться).
func Parse(data []byte, format string) (RiskPolicy, error) {
	// whitelist из документа заменяет дефолтный целиком, а не дополняет
	p := Defaults()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return RiskPolicy{}, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
		}
	case "json":
		api := utils.JSON
		dec := api.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return RiskPolicy{}, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
		}
	default:
		return RiskPolicy{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

// LoadFile читает документ с диска и строит снимок
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	p, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return NewSnapshot(p, path)
}

// ============================================================
// Store
// ============================================================

// ChangeListener вызывается после успешной замены снимка
type ChangeListener func(prev, next *Snapshot)

// Store - текущая политика процесса. Передается компонентам через конструктор.
// Чтение lock-free, перезагрузки сериализованы.
type Store struct {
	current   atomic.Pointer[Snapshot]
	path      string
	mu        sync.Mutex
	listeners []ChangeListener
}

// NewStore загружает политику из файла
func NewStore(path string) (*Store, error) {
	snap, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(snap)
	return s, nil
}

// NewStaticStore - хранилище без файла (CLI, тесты)
func NewStaticStore(p RiskPolicy) (*Store, error) {
	snap, err := NewSnapshot(p, "inline")
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(snap)
	return s, nil
}

// Current возвращает текущий снимок
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Hash - хеш текущей политики
func (s *Store) Hash() string {
	return s.Current().Hash()
}

// Path - файл политики ("" для статического хранилища)
func (s *Store) Path() string {
	return s.path
}

// OnChange регистрирует слушателя замены снимка
func (s *Store) OnChange(fn ChangeListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload перечитывает файл. При ошибке текущий снимок остается в силе.
// changed == false, если хеш не изменился (слушатели не вызываются).
func (s *Store) Reload() (snap *Snapshot, changed bool, err error) {
	if s.path == "" {
		return s.Current(), false, nil
	}

	next, err := LoadFile(s.path)
	if err != nil {
		return s.Current(), false, err
	}
	return s.swap(next)
}

// Replace устанавливает снимок напрямую (операторский redeploy без файла)
func (s *Store) Replace(next *Snapshot) (*Snapshot, bool, error) {
	if next == nil {
		return s.Current(), false, errors.New("nil snapshot")
	}
	return s.swap(next)
}

func (s *Store) swap(next *Snapshot) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if prev != nil && prev.hash == next.hash {
		return prev, false, nil
	}
	s.current.Store(next)

	for _, fn := range s.listeners {
		fn(prev, next)
	}
	return next, true, nil
}
