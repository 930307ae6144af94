// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in cobrakit.
//
// It provides methods for sending text and media, a normalized event stream for
// connection lifecycle and inbound messages, and the unread-chat bookkeeping
// the polling fallback relies on.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/cobrakit/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// recentMessagesPerChat bounds the adapter-side buffer the polling
	// fallback reads from
	recentMessagesPerChat = 20
)

// EventKind identifies a normalized channel event.
type EventKind string

const (
	EventScanRequired  EventKind = "scan_required"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventLoggedOut     EventKind = "logged_out"
	EventMessage       EventKind = "message"
)

// Event is a normalized channel event delivered to registered handlers.
type Event struct {
	Kind    EventKind
	Message *models.InboundMessage
}

// EventHandler receives normalized channel events.
type EventHandler func(Event)

// Sender is the outbound capability the scheduler and orchestrator depend on.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID string, data []byte, mimeType, filename string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	DBDriver    string // whatsmeow database driver override
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithDBDriver overrides the auto-detected whatsmeow database driver.
func WithDBDriver(driver string) Option {
	return func(o *Opts) { o.DBDriver = driver }
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// chatBuffer holds recent inbound traffic for one conversation.
type chatBuffer struct {
	messages []models.InboundMessage
	unread   int
	lastID   types.MessageID
	sender   types.JID
}

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
	cfg      Opts

	mu       sync.Mutex
	handlers []EventHandler
	chats    map[string]*chatBuffer
	media    map[string]*waE2E.Message
	ready    bool
}

// NewClient creates a new WhatsApp client, applying any provided options.
// Connect must be called separately so the watchdog can drive reconnects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := cfg.DBDriver
	if dbDriver == "" {
		if strings.HasPrefix(dbDSN, "postgres://") || strings.Contains(dbDSN, "host=") {
			dbDriver = "postgres"
		} else {
			dbDriver = "sqlite3"
			if !strings.Contains(dbDSN, "foreign_keys") {
				slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; consider adding '?_foreign_keys=on'",
					"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
			}
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	c := &Client{
		waClient: waClient,
		cfg:      cfg,
		chats:    make(map[string]*chatBuffer),
		media:    make(map[string]*waE2E.Message),
	}
	waClient.AddEventHandler(c.translateEvent)
	return c, nil
}

// OnEvent registers a handler for normalized channel events.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	slog.Debug("WhatsApp event handler registered", "handlers", len(c.handlers))
}

// HasInboundHandler reports whether any event handler is registered.
func (c *Client) HasInboundHandler() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers) > 0
}

func (c *Client) emit(evt Event) {
	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Connect establishes the WhatsApp connection, driving the login flow when the
// device is not yet paired.
func (c *Client) Connect(ctx context.Context) error {
	if c.waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		c.emit(Event{Kind: EventScanRequired})
		qrChan, _ := c.waClient.GetQRChannel(ctx)
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if c.cfg.QRPath != "" {
			f, ferr := os.Create(c.cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login code received")
				if c.cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected")
	return nil
}

// Disconnect tears down the connection. Safe to call when already disconnected.
func (c *Client) Disconnect() {
	slog.Info("WhatsApp client disconnecting")
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.waClient.Disconnect()
}

// QueryState returns a best-effort view of the connection lifecycle.
func (c *Client) QueryState() models.ConnectionState {
	if c.waClient.Store.ID == nil {
		return models.ConnAwaitingScan
	}
	if !c.waClient.IsConnected() {
		return models.ConnDisconnected
	}
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return models.ConnReady
	}
	return models.ConnAuthenticated
}

// Probe performs a lightweight server round trip to verify the connection is
// actually usable, independent of lifecycle events.
func (c *Client) Probe(ctx context.Context) error {
	if !c.waClient.IsConnected() {
		return fmt.Errorf("whatsapp probe: not connected")
	}
	done := make(chan error, 1)
	go func() {
		done <- c.waClient.SendPresence(types.PresenceAvailable)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("whatsapp probe: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("whatsapp probe: %w", ctx.Err())
	}
}

// SendText sends a plain text message to the given chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return models.ErrEmptyPhone
	}
	if text == "" {
		return models.ErrEmptyMessage
	}
	jid, err := parseChatJID(chatID)
	if err != nil {
		return err
	}
	slog.Debug("Sending WhatsApp text", "to", chatID, "body_length", len(text))
	msg := &waE2E.Message{Conversation: &text}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", chatID)
		return fmt.Errorf("failed to send message to %s: %w", chatID, err)
	}
	return nil
}

// SendMedia uploads the payload and sends it as a document (or image) message.
func (c *Client) SendMedia(ctx context.Context, chatID string, data []byte, mimeType, filename string) error {
	if chatID == "" {
		return models.ErrEmptyPhone
	}
	jid, err := parseChatJID(chatID)
	if err != nil {
		return err
	}

	mediaType := whatsmeow.MediaDocument
	if strings.HasPrefix(mimeType, "image/") {
		mediaType = whatsmeow.MediaImage
	}
	uploaded, err := c.waClient.Upload(ctx, data, mediaType)
	if err != nil {
		slog.Error("Failed to upload WhatsApp media", "error", err, "to", chatID, "mime", mimeType)
		return fmt.Errorf("failed to upload media for %s: %w", chatID, err)
	}

	var msg *waE2E.Message
	if mediaType == whatsmeow.MediaImage {
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}
	} else {
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileName:      proto.String(filename),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}
	}

	slog.Debug("Sending WhatsApp media", "to", chatID, "mime", mimeType, "bytes", len(data))
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp media", "error", err, "to", chatID)
		return fmt.Errorf("failed to send media to %s: %w", chatID, err)
	}
	return nil
}

// DownloadAttachment fetches the media payload of a previously received message.
func (c *Client) DownloadAttachment(ctx context.Context, messageID string) ([]byte, error) {
	c.mu.Lock()
	raw, ok := c.media[messageID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no downloadable media for message %s", messageID)
	}
	var downloadable whatsmeow.DownloadableMessage
	switch {
	case raw.ImageMessage != nil:
		downloadable = raw.ImageMessage
	case raw.DocumentMessage != nil:
		downloadable = raw.DocumentMessage
	default:
		return nil, fmt.Errorf("message %s has no supported media", messageID)
	}
	data, err := c.waClient.Download(ctx, downloadable)
	if err != nil {
		return nil, fmt.Errorf("failed to download media for %s: %w", messageID, err)
	}
	return data, nil
}

// ListUnreadChats reports conversations with inbound traffic not yet marked read.
func (c *Client) ListUnreadChats(limit int) ([]models.ChatSummary, error) {
	if !c.waClient.IsConnected() {
		return nil, fmt.Errorf("whatsapp: cannot list unread chats while disconnected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChatSummary, 0, len(c.chats))
	for chatID, buf := range c.chats {
		if buf.unread > 0 {
			out = append(out, models.ChatSummary{ChatID: chatID, UnreadCount: buf.unread})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnreadCount > out[j].UnreadCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchRecentMessages returns the buffered recent messages for a chat, newest last.
func (c *Client) FetchRecentMessages(chatID string, limit int) ([]models.InboundMessage, error) {
	if !c.waClient.IsConnected() {
		return nil, fmt.Errorf("whatsapp: cannot fetch messages while disconnected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.chats[chatID]
	if !ok {
		return nil, nil
	}
	msgs := buf.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.InboundMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MarkRead clears the unread counter and sends read receipts for a chat.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	c.mu.Lock()
	buf, ok := c.chats[chatID]
	var lastID types.MessageID
	var sender types.JID
	if ok {
		buf.unread = 0
		lastID = buf.lastID
		sender = buf.sender
	}
	c.mu.Unlock()
	if !ok || lastID == "" {
		return nil
	}
	jid, err := parseChatJID(chatID)
	if err != nil {
		return err
	}
	if err := c.waClient.MarkRead([]types.MessageID{lastID}, time.Now(), jid, sender); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", chatID, err)
	}
	return nil
}

// translateEvent maps whatsmeow events onto the normalized event stream.
func (c *Client) translateEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		slog.Info("WhatsApp scan required")
		c.setReady(false)
		c.emit(Event{Kind: EventScanRequired})
	case *events.Connected:
		slog.Info("WhatsApp authenticated")
		c.emit(Event{Kind: EventAuthenticated})
	case *events.OfflineSyncCompleted:
		slog.Info("WhatsApp ready")
		c.setReady(true)
		c.emit(Event{Kind: EventReady})
	case *events.Disconnected:
		slog.Warn("WhatsApp disconnected")
		c.setReady(false)
		c.emit(Event{Kind: EventDisconnected})
	case *events.StreamReplaced:
		slog.Warn("WhatsApp stream replaced by another session")
		c.setReady(false)
		c.emit(Event{Kind: EventDisconnected})
	case *events.LoggedOut:
		slog.Error("WhatsApp logged out, manual re-authentication required", "reason", v.Reason)
		c.setReady(false)
		c.emit(Event{Kind: EventLoggedOut})
	case *events.Message:
		c.handleMessage(v)
	default:
		// Other whatsmeow events are not interesting here.
	}
}

func (c *Client) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// handleMessage normalizes an inbound message, records it in the per-chat
// buffer, and emits it to handlers.
func (c *Client) handleMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	msg := models.InboundMessage{
		ID:          string(evt.Info.ID),
		ChatID:      evt.Info.Chat.User,
		SenderID:    evt.Info.Sender.User,
		IsFromSelf:  evt.Info.IsFromMe,
		IsBroadcast: evt.Info.Chat.Server == types.BroadcastServer,
		Timestamp:   evt.Info.Timestamp,
	}

	switch {
	case evt.Message.Conversation != nil:
		msg.Text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		msg.Text = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ImageMessage != nil:
		msg.HasMedia = true
		msg.MediaRef = msg.ID
		msg.MimeType = evt.Message.ImageMessage.GetMimetype()
		msg.Filename = "image"
		if evt.Message.ImageMessage.Caption != nil {
			msg.Text = *evt.Message.ImageMessage.Caption
		}
	case evt.Message.DocumentMessage != nil:
		msg.HasMedia = true
		msg.MediaRef = msg.ID
		msg.MimeType = evt.Message.DocumentMessage.GetMimetype()
		msg.Filename = evt.Message.DocumentMessage.GetFileName()
	default:
		slog.Debug("WhatsApp ignoring unsupported message type", "from", msg.SenderID)
		return
	}

	c.mu.Lock()
	buf, ok := c.chats[msg.ChatID]
	if !ok {
		buf = &chatBuffer{}
		c.chats[msg.ChatID] = buf
	}
	buf.messages = append(buf.messages, msg)
	if len(buf.messages) > recentMessagesPerChat {
		buf.messages = buf.messages[len(buf.messages)-recentMessagesPerChat:]
	}
	if !msg.IsFromSelf {
		buf.unread++
		buf.lastID = evt.Info.ID
		buf.sender = evt.Info.Sender
	}
	if msg.HasMedia {
		c.media[msg.ID] = evt.Message
		// Bound the media map alongside the chat buffers.
		if len(c.media) > recentMessagesPerChat*len(c.chats)+recentMessagesPerChat {
			for id := range c.media {
				delete(c.media, id)
				break
			}
		}
	}
	c.mu.Unlock()

	slog.Debug("WhatsApp inbound message", "chat", msg.ChatID, "from", msg.SenderID, "has_media", msg.HasMedia, "body_length", len(msg.Text))
	c.emit(Event{Kind: EventMessage, Message: &msg})
}

// parseChatJID converts a chat identifier (phone digits or full JID) to a JID.
func parseChatJID(chatID string) (types.JID, error) {
	if strings.Contains(chatID, "@") {
		jid, err := types.ParseJID(chatID)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid chat JID %s: %w", chatID, err)
		}
		return jid, nil
	}
	digits := strings.TrimPrefix(chatID, "+")
	if digits == "" {
		return types.EmptyJID, models.ErrEmptyPhone
	}
	return types.NewJID(digits, JIDSuffix), nil
}

// CanonicalizePhone validates a phone-like chat identifier and strips formatting.
func CanonicalizePhone(phone string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if cleaned == "" {
		return "", models.ErrEmptyPhone
	}
	if len(cleaned) < 10 || len(cleaned) > 15 {
		return "", models.ErrInvalidPhone
	}
	return cleaned, nil
}
