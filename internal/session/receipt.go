package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// handleReceiptUpload runs while the conversation is AwaitingReceiptUpload:
// only an attachment advances it.
func (o *Orchestrator) handleReceiptUpload(ctx context.Context, sess *Session, msg models.InboundMessage, settings *models.Settings) {
	if !msg.HasMedia {
		if strings.EqualFold(strings.TrimSpace(msg.Text), "salir") {
			o.store.Reset(sess.ChatID)
			o.reply(ctx, o.store.Get(sess.ChatID), "Listo, envía tu comprobante cuando quieras.")
			return
		}
		o.reply(ctx, sess, "Necesito la imagen o el PDF de tu comprobante. Envíalo como archivo adjunto, o escribe salir para cancelar.")
		return
	}
	o.acceptReceipt(ctx, sess, msg, settings)
}

// resolveStagedAttachment applies the yes/no answer to an unsolicited
// attachment.
func (o *Orchestrator) resolveStagedAttachment(ctx context.Context, sess *Session, confirmed bool, settings *models.Settings) {
	staged := sess.StagedAttachment
	sess.StagedAttachment = nil
	if !confirmed || staged == nil {
		sess.State = StateIdle
		o.store.Touch(sess.ChatID)
		o.reply(ctx, sess, "De acuerdo, descarto el archivo.")
		return
	}
	o.acceptReceipt(ctx, sess, *staged, settings)
}

// acceptReceipt persists the attachment, notifies an operator and moves the
// conversation to the months question. Persistence failure is the only thing
// that blocks the prompt; backend registration problems are absorbed inside
// the intake service.
func (o *Orchestrator) acceptReceipt(ctx context.Context, sess *Session, msg models.InboundMessage, settings *models.Settings) {
	if o.intake == nil {
		o.reply(ctx, sess, "La recepción de comprobantes no está disponible por ahora.")
		return
	}
	receipt, err := o.intake.Store(ctx, msg)
	if err != nil {
		slog.Error("Receipt persistence failed", "chat", sess.ChatID, "error", err)
		o.reply(ctx, sess, "No pude guardar tu comprobante, por favor envíalo de nuevo.")
		return
	}
	sess.ReceiptID = receipt.ID
	sess.PaymentID = receipt.PaymentID
	sess.State = StateAwaitingMonthsCount
	sess.MonthsRetryScheduled = false
	o.store.Touch(sess.ChatID)

	o.notifyOperators(ctx, settings, fmt.Sprintf("Nuevo comprobante %s recibido del chat %s.", receipt.ID, sess.ChatID))
	o.reply(ctx, sess, "Recibí tu comprobante. ¿Cuántos meses cubre este pago?")
}

// handleMonthsCount parses the months answer and applies the payment. Backend
// failure schedules exactly one detached retry; the user is never blocked on
// it.
func (o *Orchestrator) handleMonthsCount(ctx context.Context, sess *Session, text string, settings *models.Settings) {
	months, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || months <= 0 {
		o.reply(ctx, sess, "Indica el número de meses como un número entero, por ejemplo 1 o 2.")
		return
	}

	receiptID := sess.ReceiptID
	payment, err := o.intake.ApplyMonths(ctx, receiptID, months)
	if err != nil {
		slog.Error("Payment application failed", "chat", sess.ChatID, "receipt_id", receiptID, "months", months, "error", err)
		o.reply(ctx, sess, "Tu comprobante quedó guardado pero no pude registrar el pago. Lo reintentaré automáticamente.")
		o.scheduleMonthsRetry(sess, receiptID, months)
		o.clearReceiptState(sess)
		return
	}

	o.notifyOperators(ctx, settings, fmt.Sprintf("Pago %d registrado por %.2f (%d meses) desde el chat %s.", payment.ID, payment.Amount, months, sess.ChatID))
	o.reply(ctx, sess, fmt.Sprintf("Registré tu pago por $%.2f cubriendo %d mes(es). Lo verificaremos en breve, gracias.", payment.Amount, months))
	o.clearReceiptState(sess)
}

func (o *Orchestrator) clearReceiptState(sess *Session) {
	sess.State = StateIdle
	sess.ReceiptID = ""
	sess.PaymentID = 0
	o.store.Touch(sess.ChatID)
}

// scheduleMonthsRetry arms the single background retry for a failed payment
// application. The guard flag ensures later messages in the same conversation
// cannot arm a second one.
func (o *Orchestrator) scheduleMonthsRetry(sess *Session, receiptID string, months int) {
	if sess.MonthsRetryScheduled {
		return
	}
	sess.MonthsRetryScheduled = true
	chatID := sess.ChatID
	time.AfterFunc(o.monthsRetryDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		payment, err := o.intake.ApplyMonths(ctx, receiptID, months)
		if err != nil {
			slog.Error("Payment application retry failed", "chat", chatID, "receipt_id", receiptID, "error", err)
			return
		}
		slog.Info("Payment application retry succeeded", "chat", chatID, "receipt_id", receiptID, "payment_id", payment.ID)
	})
}
