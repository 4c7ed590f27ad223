// Package transport defines the platform-neutral chat types the router and
// services speak, keeping telebot specifics inside the adapter.
package transport

import "context"

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	Document     *Document // set for file uploads
}

// Document describes an uploaded file without holding its content.
type Document struct {
	FileID   string
	FileName string
	Size     int64
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DownloadDocument(ctx context.Context, doc Document) ([]byte, error)
}
