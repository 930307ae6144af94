package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hmoraldo/cobrakit/internal/backend"
	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/hmoraldo/cobrakit/internal/whatsapp"
)

// FlowKind identifies an operator-guided multi-step interaction.
type FlowKind string

const (
	FlowCreateClient    FlowKind = "create_client"
	FlowDeleteClient    FlowKind = "delete_client"
	FlowRegisterPayment FlowKind = "register_payment"
	FlowConciliate      FlowKind = "conciliate"
	FlowTransactions    FlowKind = "transactions"
	FlowPauseContact    FlowKind = "pause_contact"
	FlowUnpauseContact  FlowKind = "unpause_contact"
	FlowChatCleanup     FlowKind = "chat_cleanup"
)

// AdminFlow is a small step-indexed state machine with typed-by-convention
// collected data. Every step either advances Step, stays with a re-prompt, or
// completes and clears the flow.
type AdminFlow struct {
	Kind FlowKind
	Step int
	Data map[string]string
}

// startFlow begins a flow for an operator conversation. Entering a flow
// atomically clears any shown menu.
func (o *Orchestrator) startFlow(ctx context.Context, sess *Session, kind FlowKind) {
	sess.State = StateAdminFlow
	sess.Flow = &AdminFlow{Kind: kind, Data: make(map[string]string)}
	sess.MenuItems = nil
	sess.AdminMenuShown = false
	o.store.Touch(sess.ChatID)
	slog.Info("AdminFlow started", "chat", sess.ChatID, "kind", kind)

	switch kind {
	case FlowCreateClient:
		o.reply(ctx, sess, "Alta de cliente. Escribe el teléfono del cliente:")
	case FlowDeleteClient:
		o.reply(ctx, sess, "Baja de cliente. Escribe el teléfono del cliente a eliminar:")
	case FlowRegisterPayment:
		o.reply(ctx, sess, "Registro de pago. Escribe el teléfono del cliente:")
	case FlowConciliate:
		o.reply(ctx, sess, "Conciliación. Escribe el ID del pago:")
	case FlowTransactions:
		o.reply(ctx, sess, "Transacciones. Escribe un teléfono para filtrar (o * para todas):")
	case FlowPauseContact:
		o.reply(ctx, sess, "Silenciar contacto. Escribe el teléfono:")
	case FlowUnpauseContact:
		o.reply(ctx, sess, "Reactivar contacto. Escribe el teléfono:")
	case FlowChatCleanup:
		o.simulateCleanup(ctx, sess)
	}
}

// clearFlow removes the active flow and returns the session to Idle.
func (o *Orchestrator) clearFlow(sess *Session) {
	sess.Flow = nil
	sess.State = StateIdle
	o.store.Touch(sess.ChatID)
}

// handleFlowStep dispatches one operator message to the active flow.
func (o *Orchestrator) handleFlowStep(ctx context.Context, sess *Session, text string) {
	flow := sess.Flow
	if flow == nil {
		return
	}
	slog.Debug("AdminFlow step input", "chat", sess.ChatID, "kind", flow.Kind, "step", flow.Step)

	switch flow.Kind {
	case FlowCreateClient:
		o.stepCreateClient(ctx, sess, flow, text)
	case FlowDeleteClient:
		o.stepDeleteClient(ctx, sess, flow, text)
	case FlowRegisterPayment:
		o.stepRegisterPayment(ctx, sess, flow, text)
	case FlowConciliate:
		o.stepConciliate(ctx, sess, flow, text)
	case FlowTransactions:
		o.stepTransactions(ctx, sess, flow, text)
	case FlowPauseContact:
		o.stepPauseContact(ctx, sess, flow, text, true)
	case FlowUnpauseContact:
		o.stepPauseContact(ctx, sess, flow, text, false)
	case FlowChatCleanup:
		o.stepChatCleanup(ctx, sess, flow, text)
	default:
		slog.Error("AdminFlow unknown kind, clearing", "chat", sess.ChatID, "kind", flow.Kind)
		o.clearFlow(sess)
	}
}

func (o *Orchestrator) stepCreateClient(ctx context.Context, sess *Session, flow *AdminFlow, text string) {
	switch flow.Step {
	case 0: // phone
		phone, err := whatsapp.CanonicalizePhone(text)
		if err != nil {
			o.reply(ctx, sess, "Teléfono inválido, debe tener de 10 a 15 dígitos. Intenta de nuevo:")
			return
		}
		flow.Data["phone"] = phone
		flow.Step++
		o.reply(ctx, sess, "Nombre del cliente:")
	case 1: // name
		name := strings.TrimSpace(text)
		if name == "" {
			o.reply(ctx, sess, "El nombre no puede estar vacío. Intenta de nuevo:")
			return
		}
		flow.Data["name"] = name
		flow.Step++
		o.reply(ctx, sess, "Monto mensual del contrato:")
	case 2: // amount
		amount, err := parseAmount(text)
		if err != nil {
			o.reply(ctx, sess, "Monto inválido, escribe un número positivo:")
			return
		}
		flow.Data["amount"] = strconv.FormatFloat(amount, 'f', 2, 64)
		flow.Step++
		o.reply(ctx, sess, "Día de cobro (1-28):")
	case 3: // billing day
		day, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil || day < 1 || day > 28 {
			o.reply(ctx, sess, "Día inválido, escribe un número entre 1 y 28:")
			return
		}
		flow.Data["day"] = strconv.Itoa(day)
		flow.Step++
		o.reply(ctx, sess, "Hora del recordatorio (HH:MM):")
	case 4: // reminder time
		if _, err := time.Parse("15:04", strings.TrimSpace(text)); err != nil {
			o.reply(ctx, sess, "Hora inválida, usa el formato HH:MM (por ejemplo 09:30):")
			return
		}
		flow.Data["time"] = strings.TrimSpace(text)
		flow.Step++
		o.reply(ctx, sess, "Concepto del contrato:")
	case 5: // concept
		concept := strings.TrimSpace(text)
		if concept == "" {
			o.reply(ctx, sess, "El concepto no puede estar vacío. Intenta de nuevo:")
			return
		}
		flow.Data["concept"] = concept
		flow.Step++
		o.reply(ctx, sess, fmt.Sprintf(
			"Confirmar alta:\nTeléfono: %s\nNombre: %s\nMonto: %s\nDía: %s\nHora: %s\nConcepto: %s\n\nResponde si para crear, no para cancelar.",
			flow.Data["phone"], flow.Data["name"], flow.Data["amount"], flow.Data["day"], flow.Data["time"], flow.Data["concept"]))
	case 6: // confirmation
		if !isYes(text) {
			o.reply(ctx, sess, "Alta cancelada.")
			o.clearFlow(sess)
			return
		}
		client, err := o.backend.UpsertClient(ctx, flow.Data["phone"], flow.Data["name"])
		if err != nil {
			slog.Error("AdminFlow create client failed", "chat", sess.ChatID, "error", err)
			o.reply(ctx, sess, "No se pudo crear el cliente, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		amount, _ := strconv.ParseFloat(flow.Data["amount"], 64)
		day, _ := strconv.Atoi(flow.Data["day"])
		_, err = o.backend.CreateContract(ctx, models.Contract{
			ClientID:     client.ID,
			Amount:       amount,
			BillingDay:   day,
			BillingCycle: "monthly",
			Concept:      flow.Data["concept"],
			Status:       models.ContractStatusActive,
		})
		if err != nil {
			slog.Error("AdminFlow create contract failed", "chat", sess.ChatID, "client_id", client.ID, "error", err)
			o.reply(ctx, sess, "Cliente creado pero el contrato falló, revísalo en el panel.")
			o.clearFlow(sess)
			return
		}
		o.reply(ctx, sess, fmt.Sprintf("Cliente %s creado con contrato de %s.", client.Name, flow.Data["amount"]))
		o.clearFlow(sess)
	}
}

func (o *Orchestrator) stepDeleteClient(ctx context.Context, sess *Session, flow *AdminFlow, text string) {
	switch flow.Step {
	case 0: // phone lookup
		phone, err := whatsapp.CanonicalizePhone(text)
		if err != nil {
			o.reply(ctx, sess, "Teléfono inválido. Intenta de nuevo:")
			return
		}
		client, err := o.backend.FindClientByPhone(ctx, phone)
		if err != nil {
			if backend.IsNotFound(err) {
				// Abort outright: no leftover step state for the next message.
				o.reply(ctx, sess, "No existe un cliente con ese teléfono.")
				o.clearFlow(sess)
				return
			}
			slog.Error("AdminFlow delete client lookup failed", "chat", sess.ChatID, "error", err)
			o.reply(ctx, sess, "Error consultando el cliente, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		flow.Data["client_id"] = strconv.FormatInt(client.ID, 10)
		flow.Data["name"] = client.Name
		flow.Step++
		o.reply(ctx, sess, fmt.Sprintf("Se eliminará %s y todos sus datos. Responde si para confirmar, no para cancelar.", client.Name))
	case 1: // confirmation
		if !isYes(text) {
			o.reply(ctx, sess, "Baja cancelada.")
			o.clearFlow(sess)
			return
		}
		id, _ := strconv.ParseInt(flow.Data["client_id"], 10, 64)
		if err := o.backend.DeleteClient(ctx, id); err != nil {
			slog.Error("AdminFlow delete client failed", "chat", sess.ChatID, "client_id", id, "error", err)
			o.reply(ctx, sess, "No se pudo eliminar el cliente, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		o.reply(ctx, sess, fmt.Sprintf("Cliente %s eliminado.", flow.Data["name"]))
		o.clearFlow(sess)
	}
}

func (o *Orchestrator) stepRegisterPayment(ctx context.Context, sess *Session, flow *AdminFlow, text string) {
	switch flow.Step {
	case 0: // phone
		phone, err := whatsapp.CanonicalizePhone(text)
		if err != nil {
			o.reply(ctx, sess, "Teléfono inválido. Intenta de nuevo:")
			return
		}
		client, err := o.backend.FindClientByPhone(ctx, phone)
		if err != nil {
			if backend.IsNotFound(err) {
				o.reply(ctx, sess, "No existe un cliente con ese teléfono.")
				o.clearFlow(sess)
				return
			}
			slog.Error("AdminFlow register payment lookup failed", "chat", sess.ChatID, "error", err)
			o.reply(ctx, sess, "Error consultando el cliente, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		flow.Data["client_id"] = strconv.FormatInt(client.ID, 10)
		flow.Step++
		o.reply(ctx, sess, "Monto del pago:")
	case 1: // amount
		amount, err := parseAmount(text)
		if err != nil {
			o.reply(ctx, sess, "Monto inválido, escribe un número positivo:")
			return
		}
		flow.Data["amount"] = strconv.FormatFloat(amount, 'f', 2, 64)
		flow.Step++
		o.reply(ctx, sess, fmt.Sprintf("Registrar pago de %s. Responde si para confirmar.", flow.Data["amount"]))
	case 2: // confirmation
		if !isYes(text) {
			o.reply(ctx, sess, "Registro cancelado.")
			o.clearFlow(sess)
			return
		}
		clientID, _ := strconv.ParseInt(flow.Data["client_id"], 10, 64)
		amount, _ := strconv.ParseFloat(flow.Data["amount"], 64)
		payment, err := o.backend.CreatePayment(ctx, models.Payment{
			ClientID: clientID,
			Amount:   amount,
			Status:   models.PaymentStatusVerified,
			PaidAt:   time.Now(),
		})
		if err != nil {
			slog.Error("AdminFlow register payment failed", "chat", sess.ChatID, "error", err)
			o.reply(ctx, sess, "No se pudo registrar el pago, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		o.reply(ctx, sess, fmt.Sprintf("Pago %d registrado.", payment.ID))
		o.clearFlow(sess)
	}
}

func (o *Orchestrator) stepConciliate(ctx context.Context, sess *Session, flow *AdminFlow, text string) {
	switch flow.Step {
	case 0: // payment id
		id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil || id <= 0 {
			o.reply(ctx, sess, "ID de pago inválido. Intenta de nuevo:")
			return
		}
		if _, err := o.backend.GetPayment(ctx, id); err != nil {
			if backend.IsNotFound(err) {
				o.reply(ctx, sess, "No existe un pago con ese ID.")
				o.clearFlow(sess)
				return
			}
			slog.Error("AdminFlow conciliation lookup failed", "chat", sess.ChatID, "error", err)
			o.reply(ctx, sess, "Error consultando el pago, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		flow.Data["payment_id"] = strconv.FormatInt(id, 10)
		flow.Step++
		o.reply(ctx, sess, "Nota de conciliación (o * para ninguna):")
	case 1: // note
		note := strings.TrimSpace(text)
		if note == "*" {
			note = ""
		}
		flow.Data["note"] = note
		flow.Step++
		o.reply(ctx, sess, "Responde si para conciliar el pago.")
	case 2: // confirmation
		if !isYes(text) {
			o.reply(ctx, sess, "Conciliación cancelada.")
			o.clearFlow(sess)
			return
		}
		id, _ := strconv.ParseInt(flow.Data["payment_id"], 10, 64)
		if err := o.backend.CreateConciliation(ctx, id, flow.Data["note"]); err != nil {
			slog.Error("AdminFlow conciliation failed", "chat", sess.ChatID, "payment_id", id, "error", err)
			o.reply(ctx, sess, "No se pudo conciliar el pago, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		o.reply(ctx, sess, "Pago conciliado.")
		o.clearFlow(sess)
	}
}

func (o *Orchestrator) stepTransactions(ctx context.Context, sess *Session, flow *AdminFlow, text string) {
	switch flow.Step {
	case 0: // phone filter, then list
		filter := strings.TrimSpace(text)
		phone := ""
		if filter != "*" {
			p, err := whatsapp.CanonicalizePhone(filter)
			if err != nil {
				o.reply(ctx, sess, "Teléfono inválido (o * para todas). Intenta de nuevo:")
				return
			}
			phone = p
		}
		txs, err := o.backend.ListTransactions(ctx, phone, 20)
		if err != nil {
			slog.Error("AdminFlow transaction list failed", "chat", sess.ChatID, "error", err)
			o.reply(ctx, sess, "Error consultando transacciones, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		if len(txs) == 0 {
			o.reply(ctx, sess, "No hay transacciones.")
			o.clearFlow(sess)
			return
		}
		var b strings.Builder
		b.WriteString("Transacciones:\n")
		for _, tx := range txs {
			fmt.Fprintf(&b, "%d — %s — $%.2f — %s\n", tx.ID, tx.Phone, tx.Amount, tx.Concept)
		}
		b.WriteString("\nEscribe el ID a eliminar, o no para salir.")
		flow.Step++
		o.reply(ctx, sess, b.String())
	case 1: // delete by id or exit
		if isNo(text) {
			o.reply(ctx, sess, "Listo.")
			o.clearFlow(sess)
			return
		}
		id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil || id <= 0 {
			o.reply(ctx, sess, "ID inválido. Escribe el ID a eliminar, o no para salir:")
			return
		}
		if err := o.backend.DeleteTransaction(ctx, id); err != nil {
			slog.Error("AdminFlow delete transaction failed", "chat", sess.ChatID, "id", id, "error", err)
			o.reply(ctx, sess, "No se pudo eliminar la transacción, intenta más tarde.")
			o.clearFlow(sess)
			return
		}
		o.reply(ctx, sess, fmt.Sprintf("Transacción %d eliminada.", id))
		o.clearFlow(sess)
	}
}

func (o *Orchestrator) stepPauseContact(ctx context.Context, sess *Session, flow *AdminFlow, text string, pause bool) {
	phone, err := whatsapp.CanonicalizePhone(text)
	if err != nil {
		o.reply(ctx, sess, "Teléfono inválido. Intenta de nuevo:")
		return
	}
	if pause {
		err = o.backend.SetPaused(ctx, phone)
	} else {
		err = o.backend.ClearPaused(ctx, phone)
	}
	if err != nil {
		slog.Error("AdminFlow pause/unpause failed", "chat", sess.ChatID, "phone", phone, "pause", pause, "error", err)
		o.reply(ctx, sess, "No se pudo actualizar el contacto, intenta más tarde.")
		o.clearFlow(sess)
		return
	}
	if pause {
		o.reply(ctx, sess, fmt.Sprintf("Contacto %s silenciado.", phone))
	} else {
		o.reply(ctx, sess, fmt.Sprintf("Contacto %s reactivado.", phone))
	}
	o.clearFlow(sess)
}

// simulateCleanup runs the first phase of the chat cleanup: report what would
// be cleared and hand out the confirmation token required to execute.
func (o *Orchestrator) simulateCleanup(ctx context.Context, sess *Session) {
	stale := o.staleSessions(cleanupIdleCutoff)
	if len(stale) == 0 {
		o.reply(ctx, sess, "No hay conversaciones inactivas que limpiar.")
		o.clearFlow(sess)
		return
	}
	token := "LIMPIAR-" + strings.ToUpper(uuid.NewString()[:8])
	sess.Flow.Data["token"] = token
	sess.Flow.Data["count"] = strconv.Itoa(len(stale))
	sess.Flow.Step = 1
	o.reply(ctx, sess, fmt.Sprintf(
		"Simulación: se limpiarían %d conversaciones inactivas.\nPara ejecutar, escribe exactamente: %s", len(stale), token))
}

func (o *Orchestrator) stepChatCleanup(ctx context.Context, sess *Session, flow *AdminFlow, text string) {
	if flow.Step != 1 {
		o.simulateCleanup(ctx, sess)
		return
	}
	if isNo(text) {
		o.reply(ctx, sess, "Limpieza cancelada.")
		o.clearFlow(sess)
		return
	}
	if strings.TrimSpace(text) != flow.Data["token"] {
		o.reply(ctx, sess, "Token incorrecto. Escribe el token exacto para ejecutar, o no para cancelar.")
		return
	}
	stale := o.staleSessions(cleanupIdleCutoff)
	for _, chatID := range stale {
		if chatID == sess.ChatID {
			continue
		}
		o.store.Reset(chatID)
	}
	slog.Info("AdminFlow chat cleanup executed", "chat", sess.ChatID, "cleared", len(stale))
	o.reply(ctx, sess, fmt.Sprintf("Limpieza ejecutada: %d conversaciones reiniciadas.", len(stale)))
	o.clearFlow(sess)
}

// cleanupIdleCutoff is how long a conversation must be silent before the chat
// cleanup considers it stale.
const cleanupIdleCutoff = 24 * time.Hour

func parseAmount(text string) (float64, error) {
	amount, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(text, "$")), 64)
	if err != nil || amount <= 0 {
		return 0, models.ErrInvalidAmount
	}
	return amount, nil
}

func isYes(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "si", "sí", "yes", "s":
		return true
	}
	return false
}

func isNo(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "no", "n":
		return true
	}
	return false
}
