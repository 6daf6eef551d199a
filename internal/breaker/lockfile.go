package breaker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	haltFileName  = "HALTED"
	runMarkerName = "RUNNING"
)

// Lockfile хранит признак Halted между перезапусками.
//
// HALTED - причина остановки, удаляется только оператором.
// RUNNING - маркер работающего процесса; если он остался после рестарта,
// предыдущий процесс завершился нечисто и мы стартуем в Halted.
type Lockfile struct {
	dir string
}

// NewLockfile создает каталог состояния при необходимости
func NewLockfile(dir string) (*Lockfile, error) {
	if dir == "" {
		return nil, errors.New("state dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Lockfile{dir: dir}, nil
}

func (l *Lockfile) haltPath() string { return filepath.Join(l.dir, haltFileName) }
func (l *Lockfile) runPath() string  { return filepath.Join(l.dir, runMarkerName) }

// Start проверяет состояние прошлого запуска и ставит маркер текущего.
// Возвращает причину, если процесс обязан стартовать в Halted.
func (l *Lockfile) Start(now time.Time) (haltReason string, err error) {
	if data, err := os.ReadFile(l.haltPath()); err == nil {
		haltReason = strings.TrimSpace(string(data))
		if haltReason == "" {
			haltReason = "halt persisted from previous run"
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read halt file: %w", err)
	}

	if _, err := os.Stat(l.runPath()); err == nil {
		if haltReason == "" {
			haltReason = "unclean shutdown of previous run"
			if err := l.WriteHalt(haltReason); err != nil {
				return haltReason, err
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat run marker: %w", err)
	}

	marker := fmt.Sprintf("pid=%d started=%s\n", os.Getpid(), now.UTC().Format(time.RFC3339))
	if err := writeFileAtomic(l.runPath(), []byte(marker)); err != nil {
		return haltReason, fmt.Errorf("write run marker: %w", err)
	}
	return haltReason, nil
}

// WriteHalt сохраняет причину остановки
func (l *Lockfile) WriteHalt(reason string) error {
	if err := writeFileAtomic(l.haltPath(), []byte(reason+"\n")); err != nil {
		return fmt.Errorf("write halt file: %w", err)
	}
	return nil
}

// ClearHalt удаляет признак остановки
func (l *Lockfile) ClearHalt() error {
	if err := os.Remove(l.haltPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove halt file: %w", err)
	}
	return nil
}

// Stop снимает маркер работающего процесса (чистое завершение)
func (l *Lockfile) Stop() error {
	if err := os.Remove(l.runPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run marker: %w", err)
	}
	return nil
}

// writeFileAtomic: временный файл в том же каталоге, fsync, rename.
// После сбоя на диске либо старое содержимое, либо новое целиком.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
