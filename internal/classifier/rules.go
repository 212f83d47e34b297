package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/pkg/logger"
)

// intentPatterns map intents to Spanish keyword patterns, checked in order.
var intentPatterns = []struct {
	label   string
	pattern *regexp.Regexp
}{
	{IntentPayment, regexp.MustCompile(`(?i)pag[oa]|voucher|comprobante|yape|plin|transferencia|deposi|factura|deuda|cuota|cancelar|registrar`)},
	{IntentSupport, regexp.MustCompile(`(?i)internet|no funciona|lento|sin señal|desconect|no carga|caido|fibra|router|wifi|conexion|señal`)},
	{IntentComplaint, regexp.MustCompile(`(?i)reclamo|queja|molesto|enojado|pesimo|horrible|nunca|siempre|cansado|hartado|devolver|cobrar`)},
	{IntentSales, regexp.MustCompile(`(?i)plan|precio|contratar|nuevo|instalar|cuanto cuesta|velocidad|megas|fibra optica`)},
	{IntentInfo, regexp.MustCompile(`(?i)horario|direccion|telefono|correo|contacto|donde|cuando|informacion`)},
	{IntentGreeting, regexp.MustCompile(`(?i)^(hola|buenos|buenas|buen dia|hi|hey|saludos|que tal)`)},
	{IntentCut, regexp.MustCompile(`(?i)corta|cortaron|suspendido|suspension|reactivar|activar|sin internet por pago`)},
}

// Rules is the deterministic classifier used when no provider credential is
// configured, and as the degradation target when a provider call fails.
type Rules struct {
	cfg    Config
	logger *logger.Logger
}

// NewRules creates the rule-based classifier.
func NewRules(cfg Config, log *logger.Logger) *Rules {
	return &Rules{cfg: cfg, logger: log}
}

// Name returns the provider name.
func (r *Rules) Name() string {
	return "rules"
}

// ClassifyVoucher cannot read images without a vision provider; the result
// signals an unsuccessful extraction so the record lands in manual review.
func (r *Rules) ClassifyVoucher(ctx context.Context, image []byte, mime string) *model.VoucherExtraction {
	return &model.VoucherExtraction{Success: false, Confidence: model.ConfidenceNone}
}

// ClassifyIntent labels a message by keyword patterns.
func (r *Rules) ClassifyIntent(ctx context.Context, text string, history []Turn) Intent {
	for _, p := range intentPatterns {
		if p.pattern.MatchString(text) {
			return Intent{Label: p.label, Confidence: 0.75}
		}
	}
	return Intent{Label: IntentUnknown, Confidence: 0.3}
}

// GenerateReply returns the canned response for the detected intent.
func (r *Rules) GenerateReply(ctx context.Context, text string, history []Turn, customer *CustomerContext) string {
	intent := r.ClassifyIntent(ctx, text, history)
	return r.FallbackReply(intent.Label)
}

// FallbackReply returns the canned customer-facing response for an intent.
func (r *Rules) FallbackReply(intent string) string {
	support := r.cfg.SupportPhone
	sales := r.cfg.SalesPhone

	switch intent {
	case IntentGreeting:
		return fmt.Sprintf("¡Hola! Soy el asistente de Fiber Peru. 😊\n\n¿En qué puedo ayudarte?\n• Consultar tu deuda\n• Registrar tu pago (envíanos el comprobante)\n• Soporte técnico: *%s*\n• Planes y ventas: *%s*", support, sales)
	case IntentPayment:
		return "Para registrar tu pago, envíanos la foto de tu comprobante (Yape, Plin, BCP, Interbank). ✅\n\nAsegúrate que se vea el monto, número de operación y fecha."
	case IntentSupport:
		return fmt.Sprintf("Entiendo que tienes problemas con tu internet.\n\nPor favor intenta:\n1. Apagar y encender el router (espera 30 segundos)\n2. Verificar que los cables estén bien conectados\n\nSi el problema persiste, comunícate con soporte: *%s* ⏱️", support)
	case IntentComplaint:
		return fmt.Sprintf("Lamentamos los inconvenientes. 😔\n\nUn asesor revisará tu caso. También puedes llamar a soporte: *%s*", support)
	case IntentSales:
		return fmt.Sprintf("Para conocer nuestros planes de internet, comunícate con ventas: *%s* 😊\n\nO visita: fiber-peru.com", sales)
	case IntentCut:
		return "Tu servicio fue suspendido por falta de pago.\n\nPara reactivarlo:\n1. Realiza tu pago (Yape, Plin, BCP, Interbank)\n2. Envíanos la foto del comprobante\n3. Nuestro equipo lo validará en breve ✅"
	default:
		return fmt.Sprintf("Hola, soy el asistente de Fiber Peru. Solo puedo ayudarte con temas del servicio. 😊\n\n¿Qué necesitas?\n• Consultar tu deuda\n• Registrar un pago\n• Soporte técnico: *%s*\n• Planes y ventas: *%s*", support, sales)
	}
}

// historyTurns converts stored messages into classifier turns, keeping the
// last limit entries.
func historyTurns(history []Turn, limit int) []Turn {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Turn, 0, len(history))
	for _, t := range history {
		if strings.TrimSpace(t.Content) != "" {
			out = append(out, t)
		}
	}
	return out
}
