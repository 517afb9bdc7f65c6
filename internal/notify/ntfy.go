package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NtfyTransport publishes to an ntfy server: POST {url}/{topic} with the body
// as message text and Title/Priority headers.
type NtfyTransport struct {
	URL     string
	Topic   string
	Token   string
	Enabled bool
	Client  *http.Client
}

// NewNtfyTransport returns an enabled ntfy transport.
func NewNtfyTransport(url, topic, token string) *NtfyTransport {
	return &NtfyTransport{
		URL:     strings.TrimRight(url, "/"),
		Topic:   topic,
		Token:   token,
		Enabled: true,
		Client:  &http.Client{},
	}
}

func (n *NtfyTransport) Name() string { return "ntfy" }

// Send posts msg. The message topic wins over the transport default.
func (n *NtfyTransport) Send(ctx context.Context, msg Message) error {
	if !n.Enabled {
		return ErrDisabled
	}
	topic := msg.Topic
	if topic == "" {
		topic = n.Topic
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL+"/"+topic, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("ntfy: build request: %w", err)
	}
	req.Header.Set("Title", msg.Title)
	req.Header.Set("Priority", msg.Priority)
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ntfy: unexpected status %d", resp.StatusCode)
	}
	return nil
}
