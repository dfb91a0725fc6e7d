package whatsapp

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"image/png"
	"log"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// WhatsmeowProvider implements Provider against the QR-paired multi-device
// WhatsApp Web protocol via go.mau.fi/whatsmeow.
type WhatsmeowProvider struct {
	client    *whatsmeow.Client
	storeURL  string
	sessionID string
}

func NewWhatsmeowProvider(storeURL, sessionID string) (*WhatsmeowProvider, error) {
	return &WhatsmeowProvider{storeURL: storeURL, sessionID: sessionID}, nil
}

func (w *WhatsmeowProvider) GetProviderName() string { return "whatsmeow" }

func (w *WhatsmeowProvider) initStore(ctx context.Context) (*sqlstore.Container, error) {
	dbLog := waLog.Stdout("Database", "ERROR", true)

	if w.storeURL != "" {
		log.Println("🌐 using postgresql store for whatsmeow device")
		container, err := sqlstore.New(ctx, "postgres", w.storeURL, dbLog)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := container.Upgrade(ctx); err != nil {
			return nil, fmt.Errorf("upgrade postgres schema: %w", err)
		}
		return container, nil
	}

	log.Println("💾 using local sqlite store (store.db)")
	rawDB, err := sql.Open("sqlite", "file:store.db?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := rawDB.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		log.Printf("⚠️ failed to enable foreign_keys pragma: %v", err)
	}

	container := sqlstore.NewWithDB(rawDB, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade sqlite schema: %w", err)
	}
	return container, nil
}

func (w *WhatsmeowProvider) Connect(ctx context.Context) error {
	container, err := w.initStore(ctx)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	w.client = whatsmeow.NewClient(deviceStore, clientLog)

	if w.client.Store.ID == nil {
		qrChan, _ := w.client.GetQRChannel(ctx)
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		for evt := range qrChan {
			switch evt.Event {
			case "code":
				log.Println("🔗 scan this qr code in whatsapp:", evt.Code)
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, "whatsapp-qr.png"); err != nil {
					log.Printf("⚠️ failed to write qr image: %v", err)
				}
			case "success":
				log.Println("✅ whatsmeow login succeeded")
				return nil
			case "timeout":
				return fmt.Errorf("qr code timeout")
			}
		}
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	log.Println("✅ reconnected to whatsapp")
	return nil
}

func (w *WhatsmeowProvider) Disconnect(ctx context.Context) {
	if w.client != nil {
		w.client.Disconnect()
		log.Println("🔌 whatsmeow client disconnected")
	}
}

// SendMessage returns whatsmeow's server-assigned message id so the
// Dispatcher can correlate delivery receipts.
func (w *WhatsmeowProvider) SendMessage(ctx context.Context, phoneNumber, message string) (string, error) {
	if w.client == nil {
		return "", fmt.Errorf("whatsmeow client not initialized")
	}

	jid := types.NewJID(phoneNumber, types.DefaultUserServer)
	msg := &waProto.Message{Conversation: proto.String(message)}

	resp, err := w.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("whatsmeow send: %w", err)
	}
	return resp.ID, nil
}

// StartListening translates whatsmeow's *events.Message into the
// channel-agnostic InboundEvent the Inbound Processor expects.
func (w *WhatsmeowProvider) StartListening(handler func(evt InboundEvent)) error {
	if w.client == nil {
		return fmt.Errorf("whatsmeow client not initialized")
	}
	w.client.AddEventHandler(func(rawEvt interface{}) {
		msgEvt, ok := rawEvt.(*events.Message)
		if !ok {
			return
		}
		body := msgEvt.Message.GetConversation()
		if body == "" {
			return
		}
		handler(InboundEvent{
			From:              msgEvt.Info.Sender.User,
			Body:              body,
			ProviderMessageID: msgEvt.Info.ID,
		})
	})
	return nil
}

func (w *WhatsmeowProvider) GenerateQR(sessionID string) ([]byte, error) {
	ctx := context.Background()
	container, err := w.initStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	qrChan, _ := client.GetQRChannel(ctx)

	go func() { _ = client.Connect() }()

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			var buf bytes.Buffer
			img, err := qrcode.New(evt.Code, qrcode.Medium)
			if err != nil {
				client.Disconnect()
				return nil, fmt.Errorf("generate qr: %w", err)
			}
			if err := png.Encode(&buf, img.Image(256)); err != nil {
				client.Disconnect()
				return nil, fmt.Errorf("encode qr png: %w", err)
			}
			go func(cli *whatsmeow.Client) {
				time.Sleep(5 * time.Minute)
				cli.Disconnect()
			}(client)
			return buf.Bytes(), nil
		case "timeout", "error":
			client.Disconnect()
			return nil, fmt.Errorf("qr generation failed: %s", evt.Event)
		}
	}
	return nil, fmt.Errorf("no qr code generated")
}

func (w *WhatsmeowProvider) IsConnected() bool {
	return w.client != nil && w.client.IsConnected()
}

func (w *WhatsmeowProvider) StartTyping(ctx context.Context, phoneNumber string) error {
	if w.client == nil || !w.client.IsConnected() {
		return fmt.Errorf("whatsmeow client not connected")
	}
	jid, err := types.ParseJID(phoneNumber + "@s.whatsapp.net")
	if err != nil {
		return fmt.Errorf("invalid phone number: %w", err)
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

func (w *WhatsmeowProvider) StopTyping(ctx context.Context, phoneNumber string) error {
	if w.client == nil || !w.client.IsConnected() {
		return fmt.Errorf("whatsmeow client not connected")
	}
	jid, err := types.ParseJID(phoneNumber + "@s.whatsapp.net")
	if err != nil {
		return fmt.Errorf("invalid phone number: %w", err)
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
}

// StartKeepAlive pings presence every 60s so the session stays marked
// online via a background ticker loop.
func (w *WhatsmeowProvider) StartKeepAlive(ctx context.Context) {
	if w.client == nil {
		return
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	log.Println("🔄 keep-alive started (ping every 60s)")
	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 keep-alive stopped")
			return
		case <-ticker.C:
			if w.client != nil && w.client.IsConnected() {
				if err := w.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
					log.Printf("⚠️ keep-alive ping failed: %v", err)
				}
			}
		}
	}
}
