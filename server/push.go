package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"warpchat/models"
)

// ErrSubscriptionGone means the push service no longer knows the endpoint.
var ErrSubscriptionGone = errors.New("push subscription gone")

const (
	pushTTL     = 60
	pushTimeout = 30 * time.Second
)

// Notification is the payload shown by the service worker.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Room  string `json:"room"`
	Icon  string `json:"icon,omitempty"`
}

// PushDispatcher delivers a notification to one subscription.
type PushDispatcher interface {
	Dispatch(ctx context.Context, sub models.PushSubscription, n Notification) error
}

// WebPushDispatcher sends VAPID signed web push messages.
type WebPushDispatcher struct {
	publicKey  string
	privateKey string
	subject    string
	client     *http.Client
}

func NewWebPushDispatcher(publicKey, privateKey, subject string) *WebPushDispatcher {
	return &WebPushDispatcher{
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		client:     &http.Client{Timeout: pushTimeout},
	}
}

func (d *WebPushDispatcher) Dispatch(ctx context.Context, sub models.PushSubscription, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      d.client,
		Subscriber:      d.subject,
		TTL:             pushTTL,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
	})
	if err != nil {
		return errors.Wrap(err, "send push")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return errors.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// notifyOffline pushes msg to the peer of room when the peer has no live
// connection. It runs detached from the sending connection.
func (s *Server) notifyOffline(room string, sender *models.User, msg *models.Message) {
	if s.push == nil {
		return
	}
	peer, err := peerOf(room, sender.Phone)
	if err != nil || s.sessions.IsOnline(peer) {
		return
	}

	n := Notification{
		Title: sender.Username,
		Body:  previewOf(msg),
		Room:  room,
		Icon:  sender.Avatar,
	}
	if len(n.Icon) > 512 {
		n.Icon = ""
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()

		subs, err := s.store.GetPushSubscriptions(ctx, peer)
		if err != nil {
			jww.ERROR.Printf("Failed to load push subscriptions for %s: %v", peer, err)
			return
		}
		for _, sub := range subs {
			err := s.push.Dispatch(ctx, sub, n)
			switch {
			case errors.Is(err, ErrSubscriptionGone):
				jww.INFO.Printf("Removing expired push subscription of %s", peer)
				if err := s.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
					jww.WARN.Printf("Failed to remove push subscription: %v", err)
				}
			case err != nil:
				jww.WARN.Printf("Push to %s failed: %v", peer, err)
			}
		}
	}()
}

func previewOf(msg *models.Message) string {
	switch msg.Type {
	case models.TypeImage:
		return "Photo"
	case models.TypeVideo:
		return "Video"
	case models.TypeAudio:
		return "Voice message"
	case models.TypeFile:
		return "File"
	}
	body := []rune(msg.Content)
	if len(body) > 120 {
		return string(body[:120]) + "..."
	}
	return msg.Content
}
