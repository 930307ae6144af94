package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hmoraldo/cobrakit/internal/backend"
	"github.com/hmoraldo/cobrakit/internal/whatsapp"
)

const commandHelp = `Comandos disponibles:
/help — esta ayuda
/cancel — cancelar el flujo en curso
/ping — estado de la conexión
/run — ejecutar recordatorios ahora
/crear — alta de cliente y contrato
/eliminar <teléfono> — eliminar cliente
/baja <teléfono> — cancelar suscripción
/buscar <teléfono> — buscar cliente
/lista [teléfono] — listar transacciones
/enviar <id> — reenviar un recibo por ID
Escribe admin para el menú numerado.`

const adminMenuText = `Menú administrativo:
1. Crear cliente y contrato
2. Registrar pago
3. Conciliar pago
4. Ver transacciones
5. Silenciar contacto
6. Reactivar contacto
7. Ejecutar recordatorios ahora
8. Estado de conexión
9. Limpiar conversaciones inactivas
10. Enviar mensaje (/enviar)
11. Buscar cliente (/buscar)
12. Eliminar cliente`

func (o *Orchestrator) showAdminMenu(ctx context.Context, sess *Session) {
	sess.AdminMenuShown = true
	sess.MenuItems = nil
	sess.State = StateIdle
	o.store.Touch(sess.ChatID)
	o.reply(ctx, sess, adminMenuText)
}

// handleAdminMenuChoice maps a numeric reply to the shown administrative
// menu. Choices either run an immediate action or start the matching flow.
func (o *Orchestrator) handleAdminMenuChoice(ctx context.Context, sess *Session, n int) {
	sess.AdminMenuShown = false
	o.store.Touch(sess.ChatID)

	switch n {
	case 1:
		o.startFlow(ctx, sess, FlowCreateClient)
	case 2:
		o.startFlow(ctx, sess, FlowRegisterPayment)
	case 3:
		o.startFlow(ctx, sess, FlowConciliate)
	case 4:
		o.startFlow(ctx, sess, FlowTransactions)
	case 5:
		o.startFlow(ctx, sess, FlowPauseContact)
	case 6:
		o.startFlow(ctx, sess, FlowUnpauseContact)
	case 7:
		o.runSchedulerCycle(ctx, sess)
	case 8:
		o.reply(ctx, sess, o.healthReport())
	case 9:
		o.startFlow(ctx, sess, FlowChatCleanup)
	case 10:
		o.reply(ctx, sess, "Usa /enviar <id> para reenviar un recibo.")
	case 11:
		o.reply(ctx, sess, "Usa /buscar <teléfono> para consultar un cliente.")
	case 12:
		o.startFlow(ctx, sess, FlowDeleteClient)
	default:
		o.reply(ctx, sess, "Opción desconocida. Escribe admin para ver el menú.")
	}
}

// handleCommand runs the slash-command grammar. Commands work regardless of
// any active flow; /cancel is the escape hatch out of one.
func (o *Orchestrator) handleCommand(ctx context.Context, sess *Session, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	slog.Info("Operator command", "chat", sess.ChatID, "command", cmd)

	switch cmd {
	case "/help":
		o.reply(ctx, sess, commandHelp)
	case "/cancel":
		if sess.Flow == nil && !sess.AdminMenuShown {
			o.reply(ctx, sess, "No hay ningún flujo en curso.")
			return
		}
		sess.AdminMenuShown = false
		o.clearFlow(sess)
		o.reply(ctx, sess, "Flujo cancelado.")
	case "/ping":
		o.reply(ctx, sess, o.healthReport())
	case "/run":
		o.runSchedulerCycle(ctx, sess)
	case "/crear":
		o.startFlow(ctx, sess, FlowCreateClient)
	case "/eliminar":
		o.commandDeleteClient(ctx, sess, args)
	case "/baja":
		o.commandCancelSubscription(ctx, sess, args)
	case "/buscar":
		o.commandLookupClient(ctx, sess, args)
	case "/lista":
		o.commandListTransactions(ctx, sess, args)
	case "/enviar":
		o.commandSendReceipt(ctx, sess, args)
	default:
		o.reply(ctx, sess, "Comando desconocido. Escribe /help para ver los comandos.")
	}
}

func (o *Orchestrator) runSchedulerCycle(ctx context.Context, sess *Session) {
	if o.runSchedulerNow == nil {
		o.reply(ctx, sess, "El programador de recordatorios no está disponible.")
		return
	}
	o.runSchedulerNow(ctx)
	o.reply(ctx, sess, "Ciclo de recordatorios iniciado.")
}

// commandDeleteClient is the command-form shortcut of the delete flow: with a
// phone argument it pre-seeds the lookup, without one it starts at step zero.
func (o *Orchestrator) commandDeleteClient(ctx context.Context, sess *Session, args []string) {
	o.startFlow(ctx, sess, FlowDeleteClient)
	if len(args) > 0 {
		o.handleFlowStep(ctx, sess, args[0])
	}
}

func (o *Orchestrator) commandCancelSubscription(ctx context.Context, sess *Session, args []string) {
	if len(args) != 1 {
		o.reply(ctx, sess, "Uso: /baja <teléfono>")
		return
	}
	phone, err := whatsapp.CanonicalizePhone(args[0])
	if err != nil {
		o.reply(ctx, sess, "Teléfono inválido.")
		return
	}
	if err := o.backend.DeleteSubscription(ctx, phone); err != nil {
		if backend.IsNotFound(err) {
			o.reply(ctx, sess, "No existe una suscripción con ese teléfono.")
			return
		}
		slog.Error("Subscription cancellation failed", "chat", sess.ChatID, "phone", phone, "error", err)
		o.reply(ctx, sess, "No se pudo cancelar la suscripción, intenta más tarde.")
		return
	}
	o.reply(ctx, sess, fmt.Sprintf("Suscripción de %s cancelada.", phone))
}

func (o *Orchestrator) commandLookupClient(ctx context.Context, sess *Session, args []string) {
	if len(args) != 1 {
		o.reply(ctx, sess, "Uso: /buscar <teléfono>")
		return
	}
	phone, err := whatsapp.CanonicalizePhone(args[0])
	if err != nil {
		o.reply(ctx, sess, "Teléfono inválido.")
		return
	}
	client, err := o.backend.FindClientByPhone(ctx, phone)
	if err != nil {
		if backend.IsNotFound(err) {
			o.reply(ctx, sess, "No existe un cliente con ese teléfono.")
			return
		}
		slog.Error("Client lookup failed", "chat", sess.ChatID, "phone", phone, "error", err)
		o.reply(ctx, sess, "Error consultando el cliente, intenta más tarde.")
		return
	}
	contracts, err := o.backend.ListContracts(ctx, client.ID)
	if err != nil {
		slog.Error("Client contract list failed", "chat", sess.ChatID, "client_id", client.ID, "error", err)
		o.reply(ctx, sess, fmt.Sprintf("Cliente: %s (%s). No se pudieron consultar sus contratos.", client.Name, client.Phone))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cliente: %s (%s)\n", client.Name, client.Phone)
	if len(contracts) == 0 {
		b.WriteString("Sin contratos.")
	} else {
		for _, c := range contracts {
			fmt.Fprintf(&b, "• %s — $%.2f — día %d — %s\n", c.Concept, c.Amount, c.BillingDay, c.Status)
		}
	}
	o.reply(ctx, sess, strings.TrimRight(b.String(), "\n"))
}

func (o *Orchestrator) commandListTransactions(ctx context.Context, sess *Session, args []string) {
	phone := ""
	if len(args) > 0 {
		p, err := whatsapp.CanonicalizePhone(args[0])
		if err != nil {
			o.reply(ctx, sess, "Teléfono inválido.")
			return
		}
		phone = p
	}
	txs, err := o.backend.ListTransactions(ctx, phone, 20)
	if err != nil {
		slog.Error("Transaction list failed", "chat", sess.ChatID, "error", err)
		o.reply(ctx, sess, "Error consultando transacciones, intenta más tarde.")
		return
	}
	if len(txs) == 0 {
		o.reply(ctx, sess, "No hay transacciones.")
		return
	}
	var b strings.Builder
	b.WriteString("Transacciones:\n")
	for _, tx := range txs {
		fmt.Fprintf(&b, "%d — %s — $%.2f — %s\n", tx.ID, tx.Phone, tx.Amount, tx.Concept)
	}
	o.reply(ctx, sess, strings.TrimRight(b.String(), "\n"))
}

func (o *Orchestrator) commandSendReceipt(ctx context.Context, sess *Session, args []string) {
	if len(args) != 1 {
		o.reply(ctx, sess, "Uso: /enviar <id>")
		return
	}
	if err := o.backend.SendReceipt(ctx, args[0]); err != nil {
		if backend.IsNotFound(err) {
			o.reply(ctx, sess, "No existe un recibo con ese ID.")
			return
		}
		slog.Error("Receipt resend failed", "chat", sess.ChatID, "receipt_id", args[0], "error", err)
		o.reply(ctx, sess, "No se pudo reenviar el recibo, intenta más tarde.")
		return
	}
	o.reply(ctx, sess, fmt.Sprintf("Recibo %s reenviado.", args[0]))
}
