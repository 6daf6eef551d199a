package gate

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"titan/internal/breaker"
	"titan/internal/bus"
	"titan/internal/handshake"
	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/protocol"
	"titan/internal/risk"
	"titan/internal/shadow"
	"titan/pkg/ratelimit"
	"titan/pkg/utils"
)

// ErrNoSigner - операторский flatten невозможен без собственного ключа гейта
var ErrNoSigner = errors.New("gate has no signer for operator commands")

// Observer - наблюдатели событий гейта (websocket hub)
type Observer interface {
	BroadcastRejection(ev models.RejectionEvent)
	BroadcastTransition(tr breaker.Transition)
	BroadcastNotification(n *models.Notification)
}

// Auditor - асинхронный журнал аудита (repository.AuditSink)
type Auditor interface {
	RecordRejection(ev models.RejectionEvent)
	RecordFill(f models.Fill)
}

// Config - параметры движка
type Config struct {
	Shards           int           // воркеры команд, символ закреплен за одним воркером
	QueueSize        int           // очередь воркера и подписок шины
	StaleCheck       time.Duration // период проверки свежести сигнала уверенности
	RecentRejections int           // сколько последних отклонений держать в памяти для API
}

// DefaultConfig - конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Shards:           runtime.NumCPU(),
		QueueSize:        256,
		StaleCheck:       time.Second,
		RecentRejections: 200,
	}
}

// Deps - компоненты, которые движок связывает в конвейер
type Deps struct {
	Store     *policy.Store
	Auth      *protocol.Authenticator
	Handshake *handshake.Handshake
	Breaker   *breaker.Breaker
	Limiter   *ratelimit.KeyedLimiter // nil - создается из политики
	Shadow    *shadow.State
	Bus       bus.Bus
	Signer    *protocol.Signer // собственный ключ гейта для операторского FLATTEN
	Observer  Observer
	Audit     Auditor
	Logger    *utils.Logger
	Clock     func() time.Time
}

// Outcome - итог обработки одного конверта
type Outcome struct {
	EnvelopeID    string             `json:"envelope_id"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Producer      string             `json:"producer"`
	Symbol        string             `json:"symbol"`
	Kind          models.CommandKind `json:"kind"`
	Approved      bool               `json:"approved"`
	Reason        models.ReasonCode  `json:"reason,omitempty"`
	Detail        string             `json:"detail,omitempty"`
	Verdict       risk.Verdict       `json:"-"`
	Latency       time.Duration      `json:"latency"`
}

// Engine - транзакционный гейт между оркестратором и исполнением.
//
// Конвейер: decode → подпись/окно → handshake → режим → лимитер → RiskGuard → публикация.
// Каждый одобренный конверт уходит на исполнение дословно, каждый отказ
// публикуется как RejectionEvent. Тихих отказов нет.
type Engine struct {
	cfg      Config
	store    *policy.Store
	auth     *protocol.Authenticator
	hs       *handshake.Handshake
	brk      *breaker.Breaker
	limiter  *ratelimit.KeyedLimiter
	shadow   *shadow.State
	bus      bus.Bus
	signer   *protocol.Signer
	observer Observer
	audit    Auditor
	logger   *utils.Logger
	clock    func() time.Time

	confMu     sync.Mutex
	lastConf   float64
	lastConfAt time.Time

	recentMu sync.Mutex
	recent   []models.RejectionEvent
}

// New связывает компоненты и подписывается на смену режима и политики
func New(cfg Config, d Deps) (*Engine, error) {
	if d.Store == nil || d.Auth == nil || d.Handshake == nil || d.Breaker == nil || d.Shadow == nil || d.Bus == nil {
		return nil, errors.New("gate: store, authenticator, handshake, breaker, shadow and bus are required")
	}
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StaleCheck <= 0 {
		cfg.StaleCheck = def.StaleCheck
	}
	if cfg.RecentRejections <= 0 {
		cfg.RecentRejections = def.RecentRejections
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = utils.NewNopLogger()
	}

	e := &Engine{
		cfg:      cfg,
		store:    d.Store,
		auth:     d.Auth,
		hs:       d.Handshake,
		brk:      d.Breaker,
		limiter:  d.Limiter,
		shadow:   d.Shadow,
		bus:      d.Bus,
		signer:   d.Signer,
		observer: d.Observer,
		audit:    d.Audit,
		logger:   d.Logger.WithComponent("gate"),
		clock:    d.Clock,
		lastConf: 1,
	}
	e.lastConfAt = e.clock()
	if e.limiter == nil {
		e.limiter = ratelimit.NewKeyedLimiter(e.resolveLimit, e.clock)
	}

	BreakerMode.Set(float64(e.brk.Mode()))
	e.brk.OnTransition(e.onTransition)
	e.store.OnChange(e.onPolicyChange)
	return e, nil
}

func (e *Engine) resolveLimit(k ratelimit.Key) ratelimit.Limit {
	return e.store.Current().Policy().RateLimitFor(k)
}

// ============================================================
// Конвейер команды
// ============================================================

// HandleEnvelope проводит сырой конверт через весь конвейер синхронно
func (e *Engine) HandleEnvelope(ctx context.Context, raw []byte) Outcome {
	received := e.clock()
	v, out, ok := e.authenticate(raw)
	if !ok {
		return e.finish(ctx, out, received, nil)
	}
	return e.process(ctx, v, received, false)
}

// authenticate - граница верификации. Отказ здесь никогда не доходит до RiskGuard.
func (e *Engine) authenticate(raw []byte) (*protocol.Verified, Outcome, bool) {
	v, err := e.auth.Authenticate(raw)
	if err == nil {
		return v, Outcome{}, true
	}

	// идентификаторы для аудита берем без доверия к ним
	env, _ := protocol.Decode(raw)
	out := Outcome{
		EnvelopeID:    env.ID,
		CorrelationID: env.CorrelationID,
		Producer:      env.Producer,
		Symbol:        env.Payload.CanonicalSymbol(),
		Kind:          env.Payload.Kind,
		Reason:        models.ReasonMalformedCommand,
		Detail:        err.Error(),
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		out.Reason = pe.Reason
		out.Detail = pe.Detail
	}
	return nil, out, false
}

// process - все после верификации. operator=true для команд, подписанных самим гейтом.
func (e *Engine) process(ctx context.Context, v *protocol.Verified, received time.Time, operator bool) Outcome {
	env := v.Envelope
	cmd := env.Payload
	out := Outcome{
		EnvelopeID:    env.ID,
		CorrelationID: env.CorrelationID,
		Producer:      env.Producer,
		Symbol:        cmd.CanonicalSymbol(),
		Kind:          cmd.Kind,
	}

	if !operator {
		if cmd.Kind == models.CommandFlatten {
			out.Reason = models.ReasonMalformedCommand
			out.Detail = "FLATTEN is reserved for operator control"
			return e.finish(ctx, out, received, nil)
		}
		if err := e.hs.Check(env.Producer, env.PolicyHash); err != nil {
			out.Reason = models.ReasonPolicyHashMismatch
			out.Detail = err.Error()
			return e.finish(ctx, out, received, nil)
		}
	}

	pol := e.store.Current().Policy()

	e.shadow.WithSymbol(out.Symbol, func(view shadow.View) {
		reduceOnly := risk.IsReduceOnly(cmd, view.Position)
		if code := e.brk.Admit(cmd.Kind, reduceOnly); code != "" {
			out.Reason = code
			out.Detail = "system mode " + e.brk.Mode().String()
			return
		}

		if cmd.Kind != models.CommandFlatten {
			key := ratelimit.Key{Symbol: out.Symbol, Command: string(cmd.Kind)}
			if !e.limiter.TryAcquire(key) {
				RateLimitedTotal.WithLabelValues(key.Symbol, key.Command).Inc()
				out.Reason = models.ReasonRateLimited
				out.Detail = "token bucket exhausted for " + key.Symbol + "/" + key.Command
				return
			}
		}

		out.Verdict = risk.Evaluate(cmd, view, pol)
		out.Approved = out.Verdict.Allowed
		if !out.Approved {
			out.Reason = out.Verdict.Reason
			out.Detail = out.Verdict.Detail
		}
	})

	return e.finish(ctx, out, received, v.Raw)
}

// finish публикует вердикт: одобренный конверт - дословно на исполнение, отказ - событием
func (e *Engine) finish(ctx context.Context, out Outcome, received time.Time, raw []byte) Outcome {
	out.Latency = e.clock().Sub(received)
	RecordOutcome(out)

	if !out.Approved {
		e.reject(ctx, out)
		return out
	}

	if err := e.bus.Publish(ctx, bus.SubjectApproved, raw); err != nil {
		e.logger.Error("failed to forward approved command",
			utils.CommandID(out.EnvelopeID), utils.Symbol(out.Symbol), utils.Err(err))
	}
	e.logger.Info("command approved",
		utils.CommandID(out.EnvelopeID),
		utils.Producer(out.Producer),
		utils.Symbol(out.Symbol),
		utils.String("kind", string(out.Kind)),
		utils.Float64("projected_leverage", out.Verdict.ProjectedLeverage),
		utils.Latency(utils.Millis(out.Latency)),
	)
	return out
}

func (e *Engine) reject(ctx context.Context, out Outcome) {
	ev := models.RejectionEvent{
		ID:            uuid.NewString(),
		CommandID:     out.EnvelopeID,
		CorrelationID: out.CorrelationID,
		Producer:      out.Producer,
		Symbol:        out.Symbol,
		Kind:          string(out.Kind),
		Reason:        out.Reason,
		Detail:        out.Detail,
		Mode:          e.brk.Mode().String(),
		Timestamp:     e.clock(),
	}

	e.logger.Warn("command rejected",
		utils.CommandID(ev.CommandID),
		utils.Producer(ev.Producer),
		utils.Symbol(ev.Symbol),
		utils.Reason(string(ev.Reason)),
		utils.String("detail", ev.Detail),
		utils.Mode(ev.Mode),
	)

	if data, err := utils.JSON.Marshal(ev); err == nil {
		if err := e.bus.Publish(ctx, bus.SubjectRejections, data); err != nil {
			e.logger.Error("failed to publish rejection", utils.CommandID(ev.CommandID), utils.Err(err))
		}
	}
	if e.observer != nil {
		e.observer.BroadcastRejection(ev)
	}
	if e.audit != nil {
		e.audit.RecordRejection(ev)
	}
	e.remember(ev)
}

func (e *Engine) remember(ev models.RejectionEvent) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent = append(e.recent, ev)
	if over := len(e.recent) - e.cfg.RecentRejections; over > 0 {
		e.recent = append([]models.RejectionEvent(nil), e.recent[over:]...)
	}
}

// RecentRejections - последние отклонения, новые первыми
func (e *Engine) RecentRejections(limit int) []models.RejectionEvent {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]models.RejectionEvent, 0, limit)
	for i := len(e.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// ============================================================
// Операторские действия
// ============================================================

// Flatten закрывает все позиции: FLATTEN по каждой, подписанный ключом гейта.
// Режим и лимитер не применяются. Возвращает число одобренных команд.
func (e *Engine) Flatten(ctx context.Context, operator string) (int, error) {
	if e.signer == nil {
		return 0, ErrNoSigner
	}

	approved := 0
	for _, p := range e.shadow.Positions() {
		price := p.MarkPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		side := models.SideSell
		if p.Side == models.PositionShort {
			side = models.SideBuy
		}
		cmd := models.Command{
			Kind:          models.CommandFlatten,
			Symbol:        p.Symbol,
			Side:          side,
			OrderType:     models.OrderTypeMarket,
			Size:          p.Size,
			Price:         price,
			ReduceOnly:    true,
			ClientOrderID: "flatten-" + uuid.NewString(),
		}

		env, raw, err := e.signer.Sign(cmd, "operator:"+operator)
		if err != nil {
			return approved, err
		}
		out := e.process(ctx, &protocol.Verified{Envelope: env, Raw: raw, KeyID: env.KeyID}, e.clock(), true)
		if out.Approved {
			approved++
		}
	}

	e.logger.Warn("operator flatten", utils.Operator(operator), utils.Int("commands", approved))
	e.notify(&models.Notification{
		Type:     models.NotificationTypeFlatten,
		Severity: models.SeverityWarn,
		Message:  "flatten-all issued by " + operator,
		Meta:     map[string]interface{}{"operator": operator, "commands": approved},
	})
	return approved, nil
}

// Halt - операторская остановка
func (e *Engine) Halt(operator, reason string) bool {
	if reason == "" {
		reason = "no reason given"
	}
	halted := e.brk.Halt("operator " + operator + ": " + reason)
	if halted {
		e.notify(&models.Notification{
			Type:     models.NotificationTypeHalt,
			Severity: models.SeverityError,
			Message:  "halted by " + operator + ": " + reason,
		})
	}
	return halted
}

// ClearHalt - операторское снятие остановки (в Defensive)
func (e *Engine) ClearHalt(operator string) error {
	if err := e.brk.ClearHalt(operator); err != nil {
		return err
	}
	e.notify(&models.Notification{
		Type:     models.NotificationTypeHalt,
		Severity: models.SeverityWarn,
		Message:  "halt cleared by " + operator,
	})
	return nil
}

func (e *Engine) notify(n *models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = e.clock()
	}
	if e.observer != nil {
		e.observer.BroadcastNotification(n)
	}
}

// ============================================================
// Реакции на события компонентов
// ============================================================

func (e *Engine) onTransition(tr breaker.Transition) {
	RecordTransition(tr)
	if data, err := utils.JSON.Marshal(tr); err == nil {
		_ = e.bus.Publish(context.Background(), bus.SubjectMode, data)
	}
	if e.observer != nil {
		e.observer.BroadcastTransition(tr)
	}
}

func (e *Engine) onPolicyChange(prev, next *policy.Snapshot) {
	e.limiter.Reset(e.resolveLimit)

	fields := []utils.Field{utils.PolicyHash(next.Hash()), utils.String("version", next.Version())}
	if prev != nil {
		fields = append(fields, utils.String("previous_hash", prev.Hash()))
	}
	e.logger.Info("policy replaced", fields...)

	e.notify(&models.Notification{
		Type:     models.NotificationTypePolicy,
		Severity: models.SeverityInfo,
		Message:  "policy " + next.Version() + " loaded",
		Meta:     map[string]interface{}{"policy_hash": next.Hash()},
	})

	// подписанты, заявившие старый хеш, теперь расходятся с гейтом
	_ = e.hs.Revalidate()
}

// ============================================================
// Жизненный цикл
// ============================================================

type shardJob struct {
	verified *protocol.Verified
	received time.Time
}

// Run подписывается на шину и работает до отмены контекста
func (e *Engine) Run(ctx context.Context) error {
	subjects := []string{
		bus.SubjectCommands, bus.SubjectFills, bus.SubjectOrders, bus.SubjectEquity,
		bus.SubjectMarks, bus.SubjectConfidence, bus.SubjectHandshake,
	}
	subs := make(map[string]*bus.Subscription, len(subjects))
	for _, s := range subjects {
		sub, err := e.bus.Subscribe(s, e.cfg.QueueSize)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return err
		}
		subs[s] = sub
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	shards := make([]chan shardJob, e.cfg.Shards)
	for i := range shards {
		ch := make(chan shardJob, e.cfg.QueueSize)
		shards[i] = ch
		g.Go(func() error { return e.shardWorker(ctx, ch) })
	}

	g.Go(func() error { return e.dispatch(ctx, subs[bus.SubjectCommands], shards) })
	g.Go(func() error { return consume(ctx, subs[bus.SubjectFills], e.logger, e.onFill) })
	g.Go(func() error { return consume(ctx, subs[bus.SubjectOrders], e.logger, e.onOrderUpdate) })
	g.Go(func() error { return consume(ctx, subs[bus.SubjectEquity], e.logger, e.onEquity) })
	g.Go(func() error { return consume(ctx, subs[bus.SubjectMarks], e.logger, e.shadow.Mark) })
	g.Go(func() error { return consume(ctx, subs[bus.SubjectConfidence], e.logger, e.onConfidence) })
	g.Go(func() error { return consume(ctx, subs[bus.SubjectHandshake], e.logger, e.onAnnouncement) })
	g.Go(func() error { return e.staleLoop(ctx) })

	e.logger.Info("gate started", utils.Int("shards", e.cfg.Shards), utils.PolicyHash(e.store.Hash()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch проверяет подпись и раздает команды воркерам по символу
func (e *Engine) dispatch(ctx context.Context, sub *bus.Subscription, shards []chan shardJob) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			received := e.clock()
			v, out, ok := e.authenticate(msg.Data)
			if !ok {
				e.finish(ctx, out, received, nil)
				continue
			}

			ch := shards[shardIndex(v.Envelope.Payload.CanonicalSymbol(), len(shards))]
			select {
			case ch <- shardJob{verified: v, received: received}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (e *Engine) shardWorker(ctx context.Context, jobs <-chan shardJob) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-jobs:
			e.process(ctx, job.verified, job.received, false)
		}
	}
}

func (e *Engine) staleLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.StaleCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.brk.CheckStale(e.clock())
		}
	}
}

// consume декодирует сообщения субъекта и передает обработчику.
// Ошибка одного сообщения логируется и не останавливает потребителя.
func consume[T any](ctx context.Context, sub *bus.Subscription, logger *utils.Logger, handle func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			var v T
			if err := utils.JSON.Unmarshal(msg.Data, &v); err != nil {
				logger.Warn("undecodable message", utils.Subject(msg.Subject), utils.Err(err))
				continue
			}
			if err := handle(v); err != nil {
				logger.Warn("message rejected", utils.Subject(msg.Subject), utils.Err(err))
			}
		}
	}
}
