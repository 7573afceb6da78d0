package domain

// EmailKind selects the template rendered by the mail function.
type EmailKind string

const EmailInvite EmailKind = "invite"

// EmailMessage is the payload enqueued for the serverless mail
// function. The function owns templates and delivery.
type EmailMessage struct {
	To   string            `json:"to"`
	Kind EmailKind         `json:"kind"`
	Data map[string]string `json:"data,omitempty"`
}

// EmailEnvelope wraps a message with the identity that triggered it.
type EmailEnvelope struct {
	RequestedBy string       `json:"requestedBy,omitempty"`
	Message     EmailMessage `json:"message"`
}
