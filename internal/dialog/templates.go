package dialog

import (
	"fmt"
	"strings"

	"github.com/fiberperu/voucherbot/internal/reconcile"
)

// Templates renders the customer-facing Spanish responses. Every terminal
// payment outcome has a template so a submitted voucher is never left without
// an answer.
type Templates struct {
	SupportPhone string
	SalesPhone   string
}

// PaymentResult renders the reply for a finalized payment.
func (t Templates) PaymentResult(outcome *reconcile.Outcome) string {
	var amount, method, code string
	if p := outcome.Payment; p != nil && p.Extraction != nil {
		if p.Extraction.Amount != nil {
			amount = fmt.Sprintf("%.2f", *p.Extraction.Amount)
		}
		method = p.Extraction.PaymentMethod
		code = p.Extraction.OperationCode
	}
	if amount == "" {
		amount = "N/A"
	}
	if method == "" {
		method = "N/A"
	}
	if code == "" {
		code = "N/A"
	}

	switch outcome.Code {
	case reconcile.CodeSuccess, reconcile.CodeValidatedNoDebt:
		return fmt.Sprintf("✅ *¡Pago registrado exitosamente!*\n\n"+
			"💰 Monto: *S/ %s*\n🏦 Medio: %s\n🔖 Operación: `%s`\n\n"+
			"Tu servicio está activo. ¡Gracias por tu pago! 🙏", amount, method, code)

	case reconcile.CodeDuplicate:
		return fmt.Sprintf("⚠️ *Comprobante ya registrado*\n\n"+
			"Este comprobante ya fue procesado anteriormente.\n\n"+
			"Si crees que es un error, comunícate con soporte: *%s*", t.SupportPhone)

	case reconcile.CodeUnreadable:
		return "📸 La imagen no está clara. Por favor toma la foto con buena iluminación " +
			"y que se vea el monto y el número de operación.\n\nIntenta de nuevo. 🔄"

	case reconcile.CodeClientNotFound:
		return fmt.Sprintf("No encontramos tu número registrado como cliente de Fiber Peru.\n\n"+
			"Si ya tienes contrato, comunícate con soporte: *%s*\n"+
			"Si deseas contratar el servicio: *%s* 😊", t.SupportPhone, t.SalesPhone)

	case reconcile.CodeAmountMismatch:
		debt := "N/A"
		if p := outcome.Payment; p != nil && p.DebtSnapshot != nil {
			debt = fmt.Sprintf("%.2f", *p.DebtSnapshot)
		}
		return fmt.Sprintf("⚠️ El monto del comprobante (*S/ %s*) no coincide con tu deuda "+
			"pendiente (*S/ %s*).\n\nUn asesor revisará tu caso: *%s*", amount, debt, t.SupportPhone)

	case reconcile.CodeNoDebt:
		return fmt.Sprintf("✅ Tu cuenta está al día, no tienes deuda pendiente en este momento.\n\n"+
			"¿Tienes otra consulta? Comunícate con soporte: *%s* 😊", t.SupportPhone)

	case reconcile.CodeManualReview:
		return fmt.Sprintf("Hemos recibido tu comprobante. Nuestro equipo lo validará en breve "+
			"y te confirmaremos. ✅\n\n¿Consultas? *%s*", t.SupportPhone)

	default:
		return t.GenericError()
	}
}

// GenericError is the catch-all apology for unexpected failures.
func (t Templates) GenericError() string {
	return fmt.Sprintf("Ocurrió un problema con tu comprobante. Nuestro equipo lo revisará "+
		"pronto. También puedes contactar soporte: *%s*", t.SupportPhone)
}

// VoucherReceived is the immediate acknowledgement for a voucher image.
func (t Templates) VoucherReceived() string {
	return "📄 Recibimos tu comprobante, lo estamos verificando... ⏳"
}

// UnsupportedType redirects audio, video and other message types the bot
// cannot process.
func (t Templates) UnsupportedType() string {
	return "Por ahora solo puedo atender *mensajes de texto* y *fotos de comprobantes de pago*. 🙏\n\n" +
		"Escríbeme tu consulta o envíame la foto de tu voucher."
}

// AskForName requests the customer's full registered name.
func (t Templates) AskForName() string {
	return "Para ayudarte necesito verificar tu identidad. 🙂\n\n" +
		"Por favor escríbeme tu *nombre completo* tal como figura en tu contrato."
}

// AskForNameAgain re-asks after a negative confirmation or failed match.
func (t Templates) AskForNameAgain() string {
	return "Entendido. Por favor escríbeme tu *nombre completo* tal como figura " +
		"en tu contrato para poder ubicarte en el sistema. 🙂"
}

// ConfirmIdentity asks the customer to confirm a matched name.
func (t Templates) ConfirmIdentity(name string) string {
	return fmt.Sprintf("Encontré este registro a nombre de *%s*. ¿Eres tú? "+
		"Responde *sí* o *no* por favor. 🙂", name)
}

// ConfirmationReminder re-appends the pending yes/no question.
func (t Templates) ConfirmationReminder(name string) string {
	return fmt.Sprintf("\n\nPor cierto, ¿me confirmas si el registro a nombre de *%s* es tuyo? "+
		"Responde *sí* o *no*. 🙂", name)
}

// IdentityConfirmed greets the customer after a successful confirmation.
func (t Templates) IdentityConfirmed(name string) string {
	first := name
	if parts := strings.Fields(name); len(parts) > 0 {
		first = parts[0]
	}
	return fmt.Sprintf("¡Perfecto, %s! ✅ Ya verifiqué tu identidad. ¿En qué puedo ayudarte?", first)
}

// IdentityNotFound escalates a failed name lookup to a human.
func (t Templates) IdentityNotFound() string {
	return fmt.Sprintf("No pude ubicar tu registro en el sistema. 😔\n\n"+
		"Un *asesor humano* te atenderá en breve. También puedes llamar a soporte: *%s*",
		t.SupportPhone)
}

// NotACustomer offers sales contact to an unregistered number.
func (t Templates) NotACustomer() string {
	return fmt.Sprintf("Hola, gracias por contactarnos. 😊\n\n"+
		"Tu número no está registrado como cliente activo de Fiber Peru.\n\n"+
		"Si deseas conocer nuestros planes de internet:\n📱 Ventas: *%s*\n🌐 fiber-peru.com",
		t.SalesPhone)
}

// Escalated tells the customer a human is taking over.
func (t Templates) Escalated() string {
	return "👨‍💼 Te voy a conectar con un asesor humano ahora mismo. Un momento por favor..."
}

// ComplaintEscalated acknowledges an auto-escalated complaint.
func (t Templates) ComplaintEscalated() string {
	return "😔 Lamento los inconvenientes. Un *asesor humano* revisará tu caso de inmediato. " +
		"Por favor espera un momento. ⏳"
}

// DebtSummary renders the customer's balance after identity confirmation when
// a voucher is not yet pending.
func (t Templates) DebtSummary(name string, total float64, count int) string {
	if total <= 0 {
		return fmt.Sprintf("✅ %s, tu cuenta está al día. No tienes deuda pendiente.", name)
	}
	plural := ""
	if count > 1 {
		plural = "s"
	}
	return fmt.Sprintf("%s, tienes *%d recibo%s pendiente%s* por un total de *S/ %.2f*. "+
		"Puedes enviarme la foto de tu comprobante cuando realices el pago. 🙂",
		name, count, plural, plural, total)
}
