package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// Backend is the slice of the billing API the orchestrator depends on.
// Implemented by *backend.Client.
type Backend interface {
	FindClientByPhone(ctx context.Context, phone string) (*models.Client, error)
	UpsertClient(ctx context.Context, phone, name string) (*models.Client, error)
	ListContracts(ctx context.Context, clientID int64) ([]models.Contract, error)
	CreateContract(ctx context.Context, contract models.Contract) (*models.Contract, error)
	CreatePayment(ctx context.Context, p models.Payment) (*models.Payment, error)
	UpdatePayment(ctx context.Context, id int64, p models.Payment) (*models.Payment, error)
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	CreateConciliation(ctx context.Context, paymentID int64, note string) error
	ListTransactions(ctx context.Context, phone string, limit int) ([]models.Transaction, error)
	DeleteClient(ctx context.Context, id int64) error
	DeleteTransaction(ctx context.Context, id int64) error
	DeleteSubscription(ctx context.Context, phone string) error
	SendReceipt(ctx context.Context, id string) error
	GetSettings(ctx context.Context) (*models.Settings, error)
	IsPaused(ctx context.Context, phone string) (bool, error)
	SetPaused(ctx context.Context, phone string) error
	ClearPaused(ctx context.Context, phone string) error
}

// Sender sends outbound messages through the channel.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// ReceiptIntake persists inbound payment receipts and applies the months
// count against the backend. Implemented by *receipts.Service.
type ReceiptIntake interface {
	Store(ctx context.Context, msg models.InboundMessage) (*models.Receipt, error)
	ApplyMonths(ctx context.Context, receiptID string, months int) (*models.Payment, error)
}

const (
	defaultNotifyThrottle   = 30 * time.Minute
	defaultMonthsRetryDelay = 5 * time.Minute
	defaultSettingsTTL      = 5 * time.Minute
)

// Opts configures an Orchestrator.
type Opts struct {
	// Operators are phone numbers with administrative privileges, merged
	// with the backend settings' operator list.
	Operators []string
	// NotifyThrottle bounds how often one conversation can trigger an
	// operator handoff notification.
	NotifyThrottle time.Duration
	// MonthsRetryDelay is the wait before the single automatic retry of a
	// failed payment application.
	MonthsRetryDelay time.Duration
	// StateFn reports the channel connection state for health checks.
	StateFn func() models.ConnectionState
	// RunSchedulerNow triggers an immediate reminder delivery cycle.
	RunSchedulerNow func(ctx context.Context)
}

// Option mutates Opts.
type Option func(*Opts)

func WithOperators(phones []string) Option {
	return func(o *Opts) { o.Operators = phones }
}

func WithNotifyThrottle(d time.Duration) Option {
	return func(o *Opts) { o.NotifyThrottle = d }
}

func WithMonthsRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.MonthsRetryDelay = d }
}

func WithStateFn(fn func() models.ConnectionState) Option {
	return func(o *Opts) { o.StateFn = fn }
}

func WithRunSchedulerNow(fn func(ctx context.Context)) Option {
	return func(o *Opts) { o.RunSchedulerNow = fn }
}

// Orchestrator routes every inbound message through a fixed dispatch order in
// which exactly one branch handles the message.
type Orchestrator struct {
	backend Backend
	sender  Sender
	intake  ReceiptIntake
	store   *Store
	menu    *MenuSource

	operators        map[string]bool
	notifyThrottle   time.Duration
	monthsRetryDelay time.Duration
	stateFn          func() models.ConnectionState
	runSchedulerNow  func(ctx context.Context)

	settingsMu        sync.Mutex
	cachedSettings    *models.Settings
	settingsFetchedAt time.Time
	settingsTTL       time.Duration

	now func() time.Time
}

// NewOrchestrator wires the session router. store and menu must be non-nil;
// intake may be nil when receipt handling is disabled.
func NewOrchestrator(backend Backend, sender Sender, intake ReceiptIntake, store *Store, menu *MenuSource, options ...Option) *Orchestrator {
	opts := Opts{
		NotifyThrottle:   defaultNotifyThrottle,
		MonthsRetryDelay: defaultMonthsRetryDelay,
	}
	for _, opt := range options {
		opt(&opts)
	}
	operators := make(map[string]bool, len(opts.Operators))
	for _, p := range opts.Operators {
		operators[p] = true
	}
	return &Orchestrator{
		backend:          backend,
		sender:           sender,
		intake:           intake,
		store:            store,
		menu:             menu,
		operators:        operators,
		notifyThrottle:   opts.NotifyThrottle,
		monthsRetryDelay: opts.MonthsRetryDelay,
		stateFn:          opts.StateFn,
		runSchedulerNow:  opts.RunSchedulerNow,
		settingsTTL:      defaultSettingsTTL,
		now:              time.Now,
	}
}

// Handle processes one inbound message to completion. It never panics: errors
// in a single conversation are contained at this boundary.
func (o *Orchestrator) Handle(ctx context.Context, msg models.InboundMessage) {
	// 1. Broadcast channels are never conversations.
	if msg.IsBroadcast || strings.Contains(msg.ChatID, "@broadcast") {
		return
	}

	// The event stream and the polling fallback dispatch concurrently;
	// messages for one conversation must run through the state machine one
	// at a time.
	sess := o.lockSession(msg.ChatID)
	defer sess.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			flowInfo := ""
			if sess.Flow != nil {
				flowInfo = fmt.Sprintf(" flow=%s step=%d", sess.Flow.Kind, sess.Flow.Step)
			}
			slog.Error("Session handler panic recovered", "chat", msg.ChatID, "detail", fmt.Sprintf("%v%s", r, flowInfo))
		}
	}()

	o.store.Touch(msg.ChatID)

	text := strings.TrimSpace(msg.Text)
	lower := strings.ToLower(text)
	phone := phoneFromChatID(msg.ChatID)
	settings := o.settings(ctx)
	isOp := o.isOperator(phone, settings)

	slog.Debug("Inbound message dispatch", "chat", msg.ChatID, "state", sess.State, "operator", isOp, "has_media", msg.HasMedia)

	// 2. Paused contacts are silent, except for an operator unpause.
	if paused, err := o.backend.IsPaused(ctx, phone); err != nil {
		slog.Error("Paused-contact check failed, continuing", "chat", msg.ChatID, "error", err)
	} else if paused {
		if isOp && lower == "reanudar" {
			if err := o.backend.ClearPaused(ctx, phone); err != nil {
				slog.Error("Unpause failed", "chat", msg.ChatID, "error", err)
				return
			}
			o.reply(ctx, sess, "Contacto reactivado.")
		}
		return
	}

	// 3. Business hours gate: non-operators with no flow in progress only
	// get menu and keyword access outside hours.
	if !isOp && sess.State == StateIdle && !o.withinBusinessHours(settings) && !isUniversalKeyword(lower) {
		o.reply(ctx, sess, fmt.Sprintf(
			"Nuestro horario de atención es de %d:00 a %d:00. Mientras tanto puedes consultar el menú.",
			settings.BusinessHoursStart, settings.BusinessHoursEnd))
		o.showWelcomeMenu(ctx, sess)
		return
	}

	// 4. A conversation waiting for a receipt only accepts attachments.
	if sess.State == StateAwaitingReceiptUpload {
		o.handleReceiptUpload(ctx, sess, msg, settings)
		return
	}

	// 5. Unsolicited attachments are staged behind a confirmation.
	if msg.HasMedia && sess.State != StatePendingReceiptConfirmation {
		staged := msg
		sess.StagedAttachment = &staged
		sess.State = StatePendingReceiptConfirmation
		o.store.Touch(sess.ChatID)
		o.reply(ctx, sess, "Recibimos un archivo. ¿Es tu comprobante de pago? Responde si o no.")
		return
	}

	// 6. An active operator flow consumes everything except commands.
	if isOp && sess.Flow != nil && !strings.HasPrefix(text, "/") {
		if sess.State == StateAdminFlow {
			o.handleFlowStep(ctx, sess, text)
			return
		}
	}

	// 7. Yes/no resolves a staged attachment.
	if sess.State == StatePendingReceiptConfirmation && (isYes(text) || isNo(text)) {
		o.resolveStagedAttachment(ctx, sess, isYes(text), settings)
		return
	}

	// 8. A months count completes the receipt flow.
	if sess.State == StateAwaitingMonthsCount {
		o.handleMonthsCount(ctx, sess, text, settings)
		return
	}

	// 9. Operator numbered menu.
	if isOp && lower == "admin" {
		o.showAdminMenu(ctx, sess)
		return
	}
	if isOp && sess.AdminMenuShown {
		if n, err := strconv.Atoi(text); err == nil {
			o.handleAdminMenuChoice(ctx, sess, n)
			return
		}
	}

	// 10. Operator command grammar.
	if isOp && strings.HasPrefix(text, "/") {
		o.handleCommand(ctx, sess, text)
		return
	}

	// 11. Universal keywords.
	switch lower {
	case "ping":
		o.reply(ctx, sess, o.healthReport())
		return
	case "salir":
		o.store.Reset(sess.ChatID)
		o.reply(ctx, o.store.Get(sess.ChatID), "Hasta luego. Escribe menu cuando nos necesites.")
		return
	case "menu", "menú":
		o.showWelcomeMenu(ctx, sess)
		return
	case "agente", "asesor":
		o.enterAgentMode(ctx, sess, settings)
		return
	}

	// 12. A shown menu interprets the message as a selection.
	if sess.State == StateMenuShown && len(sess.MenuItems) > 0 {
		o.handleMenuSelection(ctx, sess, text, phone, settings)
		return
	}

	// 13. Anything else gets the welcome menu, unless a human has the chat.
	if sess.State == StateAgentMode {
		return
	}
	o.showWelcomeMenu(ctx, sess)
}

// lockSession returns the chat's session with its handling lock held. A
// concurrent reset swaps the aggregate out of the store, so the pointer is
// revalidated after acquiring the lock.
func (o *Orchestrator) lockSession(chatID string) *Session {
	for {
		sess := o.store.Get(chatID)
		sess.mu.Lock()
		if o.store.Get(chatID) == sess {
			return sess
		}
		sess.mu.Unlock()
	}
}

func (o *Orchestrator) reply(ctx context.Context, sess *Session, text string) {
	if err := o.sender.SendText(ctx, sess.ChatID, text); err != nil {
		slog.Error("Reply send failed", "chat", sess.ChatID, "error", err)
	}
}

// settings returns backend settings, memoized for a short TTL so every inbound
// message does not round-trip the backend. Falls back to a zero value with
// open business hours when the backend is unreachable.
func (o *Orchestrator) settings(ctx context.Context) *models.Settings {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	if o.cachedSettings != nil && o.now().Sub(o.settingsFetchedAt) < o.settingsTTL {
		return o.cachedSettings
	}
	s, err := o.backend.GetSettings(ctx)
	if err != nil {
		slog.Error("Settings fetch failed, using defaults", "error", err)
		if o.cachedSettings != nil {
			return o.cachedSettings
		}
		return &models.Settings{BusinessHoursStart: 0, BusinessHoursEnd: 24}
	}
	o.cachedSettings = s
	o.settingsFetchedAt = o.now()
	return s
}

func (o *Orchestrator) isOperator(phone string, settings *models.Settings) bool {
	if o.operators[phone] {
		return true
	}
	for _, p := range settings.OperatorPhones {
		if p == phone {
			return true
		}
	}
	return false
}

func (o *Orchestrator) withinBusinessHours(settings *models.Settings) bool {
	start, end := settings.BusinessHoursStart, settings.BusinessHoursEnd
	if start == 0 && end == 0 {
		return true
	}
	h := o.now().Hour()
	return h >= start && h < end
}

func isUniversalKeyword(lower string) bool {
	switch lower {
	case "ping", "salir", "menu", "menú", "agente", "asesor":
		return true
	}
	return false
}

func (o *Orchestrator) healthReport() string {
	state := models.ConnReady
	if o.stateFn != nil {
		state = o.stateFn()
	}
	return fmt.Sprintf("pong — conexión: %s, conversaciones activas: %d", state, o.store.Len())
}

// enterAgentMode hands the conversation to a human: automated menus are
// suppressed, the idle timeout stretches, and an operator is pinged at most
// once per throttle window.
func (o *Orchestrator) enterAgentMode(ctx context.Context, sess *Session, settings *models.Settings) {
	sess.State = StateAgentMode
	sess.MenuItems = nil
	o.store.Touch(sess.ChatID)
	o.reply(ctx, sess, "Un asesor te atenderá en breve. Escribe salir para volver al menú automático.")

	if o.now().Sub(sess.AgentNotifiedAt) < o.notifyThrottle {
		return
	}
	sess.AgentNotifiedAt = o.now()
	o.notifyOperators(ctx, settings, fmt.Sprintf("El chat %s solicita un asesor.", sess.ChatID))
}

// notifyOperators best-effort pings every configured operator.
func (o *Orchestrator) notifyOperators(ctx context.Context, settings *models.Settings, text string) {
	phones := settings.OperatorPhones
	if len(phones) == 0 {
		for p := range o.operators {
			phones = append(phones, p)
		}
	}
	for _, p := range phones {
		if err := o.sender.SendText(ctx, p+"@s.whatsapp.net", text); err != nil {
			slog.Error("Operator notification failed", "operator", p, "error", err)
		}
	}
}

func (o *Orchestrator) showWelcomeMenu(ctx context.Context, sess *Session) {
	welcome, items, err := o.menu.Menu(ctx)
	if err != nil {
		slog.Error("Menu resolution failed", "chat", sess.ChatID, "error", err)
		o.reply(ctx, sess, "No pudimos cargar el menú en este momento, intenta más tarde.")
		return
	}
	sess.State = StateMenuShown
	sess.MenuItems = items
	o.store.Touch(sess.ChatID)
	o.reply(ctx, sess, renderMenu(welcome, items))
}

func (o *Orchestrator) handleMenuSelection(ctx context.Context, sess *Session, text, phone string, settings *models.Settings) {
	item := matchMenuItem(sess.MenuItems, text)
	if item == nil {
		sess.State = StateIdle
		sess.MenuItems = nil
		o.store.Touch(sess.ChatID)
		o.reply(ctx, sess, "No entendí tu respuesta. Escribe menu para ver las opciones.")
		return
	}

	switch effectiveAction(item) {
	case ActionSubMenu:
		sess.MenuItems = item.Items
		o.store.Touch(sess.ChatID)
		o.reply(ctx, sess, renderMenu(item.Label, item.Items))
	case ActionHandoff:
		o.enterAgentMode(ctx, sess, settings)
	case ActionStatement:
		o.sendStatement(ctx, sess, phone)
	case ActionReceipt:
		o.promptReceiptUpload(ctx, sess, settings)
	default:
		sess.State = StateIdle
		sess.MenuItems = nil
		o.store.Touch(sess.ChatID)
		o.reply(ctx, sess, item.Reply)
	}
}

func (o *Orchestrator) sendStatement(ctx context.Context, sess *Session, phone string) {
	sess.State = StateIdle
	sess.MenuItems = nil
	o.store.Touch(sess.ChatID)

	client, err := o.backend.FindClientByPhone(ctx, phone)
	if err != nil {
		slog.Error("Statement client lookup failed", "chat", sess.ChatID, "error", err)
		o.reply(ctx, sess, "No encontramos una cuenta asociada a tu número.")
		return
	}
	contracts, err := o.backend.ListContracts(ctx, client.ID)
	if err != nil {
		slog.Error("Statement contract list failed", "chat", sess.ChatID, "client_id", client.ID, "error", err)
		o.reply(ctx, sess, "No pudimos consultar tu estado de cuenta, intenta más tarde.")
		return
	}
	o.reply(ctx, sess, renderStatement(contracts, o.now()))
}

func (o *Orchestrator) promptReceiptUpload(ctx context.Context, sess *Session, settings *models.Settings) {
	sess.State = StateAwaitingReceiptUpload
	sess.MenuItems = nil
	o.store.Touch(sess.ChatID)
	text := "Envía la foto o PDF de tu comprobante de pago."
	if settings.PaymentInstructions != "" {
		text = settings.PaymentInstructions + "\n\n" + text
	}
	o.reply(ctx, sess, text)
}

// phoneFromChatID extracts the bare phone number from a conversation JID.
func phoneFromChatID(chatID string) string {
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		return chatID[:i]
	}
	return chatID
}

func (o *Orchestrator) staleSessions(idleFor time.Duration) []string {
	return o.store.StaleChats(idleFor)
}
