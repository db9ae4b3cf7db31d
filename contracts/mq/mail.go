package mq

import "time"

// 路由键
const (
	RoutingKeyMailSend = "mail.send"
)

// MailSendPayload 一封待投递的邮件
type MailSendPayload struct {
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"` // verification / confirmation / manage_code / digest
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	TextBody  string    `json:"text_body"`
	HTMLBody  string    `json:"html_body,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
