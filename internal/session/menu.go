package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
	"gopkg.in/yaml.v3"
)

// Menu item actions. Entries without an explicit action fall back to keyword
// detection on their reply text.
const (
	ActionReply     = ""
	ActionSubMenu   = "submenu"
	ActionHandoff   = "handoff"
	ActionStatement = "statement"
	ActionReceipt   = "receipt"
)

// MenuItem is one selectable entry of the conversational menu.
type MenuItem struct {
	Key    string     `yaml:"key,omitempty"`
	Label  string     `yaml:"label"`
	Reply  string     `yaml:"reply,omitempty"`
	Action string     `yaml:"action,omitempty"`
	Items  []MenuItem `yaml:"items,omitempty"`
}

// menuDocument is the on-disk and remote menu format.
type menuDocument struct {
	Welcome string     `yaml:"welcome"`
	Items   []MenuItem `yaml:"items"`
}

// DefaultMenuTTL bounds repeated remote menu fetches.
const DefaultMenuTTL = 10 * time.Minute

// MenuSource resolves the main menu from a remote URL with a local cache-file
// fallback, memoizing the result for a TTL.
type MenuSource struct {
	url       string
	cachePath string
	ttl       time.Duration
	http      *http.Client

	mu        sync.Mutex
	cached    *menuDocument
	fetchedAt time.Time
}

// NewMenuSource creates a menu source. url may be empty, in which case only
// the cache file is consulted.
func NewMenuSource(url, cachePath string, ttl time.Duration) *MenuSource {
	if ttl <= 0 {
		ttl = DefaultMenuTTL
	}
	return &MenuSource{
		url:       url,
		cachePath: cachePath,
		ttl:       ttl,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Menu returns the welcome text and top-level items, from memory when fresh,
// else from the remote source, else from the local cache file.
func (m *MenuSource) Menu(ctx context.Context) (string, []MenuItem, error) {
	m.mu.Lock()
	if m.cached != nil && time.Since(m.fetchedAt) < m.ttl {
		doc := m.cached
		m.mu.Unlock()
		return doc.Welcome, doc.Items, nil
	}
	m.mu.Unlock()

	doc, err := m.fetchRemote(ctx)
	if err != nil {
		slog.Warn("Menu remote fetch failed, trying local cache", "error", err)
		doc, err = m.loadCacheFile()
		if err != nil {
			return "", nil, fmt.Errorf("menu unavailable: %w", err)
		}
	}

	m.mu.Lock()
	m.cached = doc
	m.fetchedAt = time.Now()
	m.mu.Unlock()
	return doc.Welcome, doc.Items, nil
}

func (m *MenuSource) fetchRemote(ctx context.Context) (*menuDocument, error) {
	if m.url == "" {
		return nil, fmt.Errorf("no menu URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("menu fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var doc menuDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bad menu document: %w", err)
	}
	if m.cachePath != "" {
		if err := os.WriteFile(m.cachePath, data, 0644); err != nil {
			slog.Warn("Menu cache file write failed", "path", m.cachePath, "error", err)
		}
	}
	return &doc, nil
}

func (m *MenuSource) loadCacheFile() (*menuDocument, error) {
	if m.cachePath == "" {
		return nil, fmt.Errorf("no menu cache file configured")
	}
	data, err := os.ReadFile(m.cachePath)
	if err != nil {
		return nil, fmt.Errorf("menu cache file: %w", err)
	}
	var doc menuDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bad cached menu document: %w", err)
	}
	return &doc, nil
}

// renderMenu formats items as a numbered list. Sub-menu items carry their own
// letter keys instead of numeric indexes.
func renderMenu(header string, items []MenuItem) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	for i, item := range items {
		key := item.Key
		if key == "" {
			key = strconv.Itoa(i + 1)
		}
		fmt.Fprintf(&b, "%s. %s\n", key, item.Label)
	}
	return strings.TrimRight(b.String(), "\n")
}

// matchMenuItem resolves a reply against the active items: a 1-based numeric
// index, an exact key, or an exact label (case-insensitive).
func matchMenuItem(items []MenuItem, input string) *MenuItem {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil
	}
	if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(items) {
		return &items[n-1]
	}
	lowered := strings.ToLower(trimmed)
	for i := range items {
		if strings.EqualFold(items[i].Key, trimmed) || strings.ToLower(items[i].Label) == lowered {
			return &items[i]
		}
	}
	return nil
}

// effectiveAction returns the item's structured action, falling back to
// keyword detection on the reply text for entries that predate the action
// field.
// TODO: backfill action fields in the remote menu document so this keyword
// fallback can be removed.
func effectiveAction(item *MenuItem) string {
	if item.Action != "" {
		return item.Action
	}
	if len(item.Items) > 0 {
		return ActionSubMenu
	}
	lowered := strings.ToLower(item.Reply + " " + item.Label)
	for _, kw := range []string{"comprobante", "recibo", "enviar tu pago"} {
		if strings.Contains(lowered, kw) {
			return ActionReceipt
		}
	}
	for _, kw := range []string{"asesor", "agente", "transferir", "un humano"} {
		if strings.Contains(lowered, kw) {
			return ActionHandoff
		}
	}
	return ActionReply
}

// renderStatement formats a client's contracts with due-date urgency banding.
func renderStatement(contracts []models.Contract, now time.Time) string {
	if len(contracts) == 0 {
		return "No encontramos contratos activos para tu número."
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var b strings.Builder
	b.WriteString("Estado de cuenta:\n")
	for _, c := range contracts {
		if c.Status != models.ContractStatusActive {
			continue
		}
		due := time.Date(c.NextDueDate.Year(), c.NextDueDate.Month(), c.NextDueDate.Day(), 0, 0, 0, 0, now.Location())
		var band string
		switch {
		case due.Before(today):
			band = "VENCIDO"
		case due.Equal(today):
			band = "VENCE HOY"
		case due.Before(today.AddDate(0, 0, 8)):
			band = "PRÓXIMO (7 días)"
		default:
			band = "AL CORRIENTE"
		}
		fmt.Fprintf(&b, "• %s — $%.2f — vence %s [%s]\n", c.Concept, c.Amount, due.Format("2006-01-02"), band)
	}
	return strings.TrimRight(b.String(), "\n")
}
