package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"titan/pkg/utils"
)

// DefaultDebounce - окно склейки событий файловой системы
const DefaultDebounce = 250 * time.Millisecond

// ReloadHandler получает результат каждой перезагрузки
type ReloadHandler func(snap *Snapshot, changed bool, err error)

// Watcher следит за файлом политики и перезагружает Store.
// Наблюдаем каталог, а не файл: редакторы и деплой часто заменяют файл через rename.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	handler  ReloadHandler
	logger   *utils.Logger
}

// NewWatcher создает наблюдателя за файлом store.Path()
func NewWatcher(store *Store, debounce time.Duration, handler ReloadHandler, logger *utils.Logger) (*Watcher, error) {
	if store.Path() == "" {
		return nil, fmt.Errorf("policy store has no backing file")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(store.Path()), err)
	}

	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: debounce,
		handler:  handler,
		logger:   logger.WithComponent("policy-watcher"),
	}, nil
}

// Run обрабатывает события до отмены контекста
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.store.Path())
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", utils.Err(err))

		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	snap, changed, err := w.store.Reload()
	switch {
	case err != nil:
		w.logger.Error("policy reload failed, keeping previous version",
			utils.Err(err), utils.PolicyHash(snap.Hash()))
	case changed:
		w.logger.Info("policy reloaded",
			utils.PolicyHash(snap.Hash()), utils.String("version", snap.Version()))
	default:
		w.logger.Debug("policy file touched, content unchanged", utils.PolicyHash(snap.Hash()))
	}
	if w.handler != nil {
		w.handler(snap, changed, err)
	}
}
