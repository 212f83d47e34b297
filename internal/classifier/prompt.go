package classifier

import (
	"fmt"
	"strings"
	"time"
)

// voucherPrompt instructs the vision model to classify the image and extract
// voucher fields as JSON.
func voucherPrompt() string {
	return fmt.Sprintf(`Analiza esta imagen y devuelve JSON con los siguientes campos.

PRIMERO clasifica el tipo de imagen:
- "comprobante_pago": screenshot de Yape, Plin, transferencia bancaria, voucher de pago
- "otro": selfie, meme, documento no relacionado, captura sin relación a pagos

{
  "es_comprobante_valido": true/false,
  "medio_pago": "yape|plin|bcp|interbank|bbva|scotiabank|transferencia|desconocido",
  "monto": número o null,
  "moneda": "PEN" o "USD",
  "codigo_operacion": "string o null",
  "fecha": "YYYY-MM-DD o null",
  "nombre_pagador": "string o null",
  "confianza": "alta|media|baja",
  "razon_invalido": "string si no es válido, sino null"
}

IMPORTANTE:
- Si es screenshot de Yape/Plin, busca el monto grande en la pantalla
- El código de operación puede llamarse: N° operación, código, referencia, número de transacción
- Fecha actual: %s
- Solo extrae datos que están VISIBLES en la imagen
- Si la imagen no es comprobante de pago, marca es_comprobante_valido: false`,
		time.Now().Format("02/01/2006"))
}

// intentPrompt instructs the model to label a customer message.
const intentPrompt = `Clasifica el mensaje del cliente de un ISP peruano en UNA categoría:
payment|support|complaint|sales|info|greeting|cut|unknown
Responde SOLO JSON: {"intent":"categoria","confidence":0.0-1.0}`

// replySystemPrompt builds the conversational system prompt with customer
// context and the configured payment methods.
func (c Config) replySystemPrompt(customer *CustomerContext) string {
	var context string
	if customer != nil && customer.Name != "" {
		plan := customer.Plan
		if plan == "" {
			plan = "no registrado"
		}
		debt := "sin datos en este momento"
		if customer.Debt != nil {
			debt = fmt.Sprintf("S/ %.2f", *customer.Debt)
		}
		context = fmt.Sprintf("CLIENTE IDENTIFICADO:\n- Nombre: %s\n- Plan: %s\n- Deuda pendiente: %s",
			customer.Name, plan, debt)
	} else {
		context = "CLIENTE: no identificado en el sistema (puede ser número no registrado o nuevo)"
	}

	var b strings.Builder
	b.WriteString("Eres el asistente oficial de atención al cliente de Fiber Perú (ISP de internet por fibra óptica).\n")
	b.WriteString("Tu único propósito es ayudar a clientes con temas de: internet, routers, WiFi, pagos, deudas, vouchers, planes, instalación y soporte técnico.\n\n")
	b.WriteString(context)
	b.WriteString("\n\nMÉTODOS DE PAGO FIBER PERU:\n")
	b.WriteString(c.PaymentBlock)
	b.WriteString(fmt.Sprintf("\n\nCONTACTOS IMPORTANTES:\n- Soporte técnico: *%s*\n- Ventas y nuevos planes: *%s*\n- Web: fiber-peru.com\n", c.SupportPhone, c.SalesPhone))
	b.WriteString(`
REGLAS ESTRICTAS:
1. NUNCA respondas temas fuera del rubro ISP. Si preguntan algo ajeno: "Solo puedo ayudarte con temas de tu servicio de internet, pagos o soporte técnico."
2. NUNCA inventes nombres, montos ni datos. Solo usa lo que está en el sistema.
3. NUNCA menciones bases de datos, APIs ni sistemas internos.
4. Habla como un asesor humano de Fiber Perú. Español claro, sencillo, respetuoso.
5. Respuestas cortas y útiles. Responde exactamente a lo que el cliente dijo.
6. Si arriba aparece "CLIENTE IDENTIFICADO", ese cliente SÍ está en el sistema: nunca digas que no está registrado.
7. Si el cliente escribe que ya pagó pero no envió imagen: pídele la foto o captura del comprobante; nunca confirmes un pago sin imagen.`)
	return b.String()
}
