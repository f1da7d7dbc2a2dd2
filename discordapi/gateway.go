package discordapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/tidwall/gjson"
)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Gateway intents the bridge identifies with.
const (
	intentGuilds                = 1 << 0
	intentGuildMessages         = 1 << 9
	intentGuildMessageReactions = 1 << 10
	intentMessageContent        = 1 << 15
)

var gatewayDispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "roomybridge",
		Subsystem: "discordapi",
		Name:      "gateway_dispatches_total",
		Help:      "Gateway dispatch events received by type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(gatewayDispatches)
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// A Gateway maintains the persistent websocket connection to Discord,
// handling identify, heartbeat, resume and reconnect. Dispatches the
// bridge consumes are normalized and handed to OnEvent; READY is
// reported separately so startup can learn the application id.
type Gateway struct {
	token   string
	url     string
	OnEvent func(event GatewayEvent)
	OnReady func(ready Ready)

	mu         sync.Mutex
	conn       *websocket.Conn
	sequence   *int64
	sessionID  string
	resumeURL  string
	lastAckMu  sync.Mutex
	lastAck    time.Time
}

func NewGateway(token string) *Gateway {
	return &Gateway{token: token, url: defaultGatewayURL}
}

// Run connects and processes gateway traffic until ctx is cancelled,
// reconnecting with backoff on any failure.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := g.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("Gateway connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	url := g.url
	resuming := false
	g.mu.Lock()
	if g.resumeURL != "" && g.sessionID != "" {
		url = g.resumeURL
		resuming = true
	}
	g.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return fmt.Errorf("gateway dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer conn.Close() // nolint: errcheck
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	// HELLO must arrive first and carries the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("gateway hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("gateway: expected HELLO, got op %d", hello.Op)
	}
	interval := time.Duration(gjson.GetBytes(hello.D, "heartbeat_interval").Int()) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}

	if resuming {
		err = g.sendResume()
	} else {
		err = g.sendIdentify()
	}
	if err != nil {
		return err
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go g.heartbeatLoop(heartbeatCtx, interval)

	for {
		select {
		case <-ctx.Done():
			// Clean close lets Discord resume the session later.
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return ctx.Err()
		default:
		}
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("gateway read: %w", err)
		}
		if payload.S != nil {
			g.mu.Lock()
			g.sequence = payload.S
			g.mu.Unlock()
		}
		switch payload.Op {
		case opDispatch:
			g.handleDispatch(payload)
		case opHeartbeat:
			g.sendHeartbeat()
		case opHeartbeatAck:
			g.lastAckMu.Lock()
			g.lastAck = time.Now()
			g.lastAckMu.Unlock()
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			g.mu.Lock()
			g.sessionID = ""
			g.resumeURL = ""
			g.sequence = nil
			g.mu.Unlock()
			return fmt.Errorf("gateway session invalidated")
		}
	}
}

func (g *Gateway) handleDispatch(payload gatewayPayload) {
	gatewayDispatches.WithLabelValues(payload.T).Inc()
	switch payload.T {
	case DispatchReady:
		var ready Ready
		if err := json.Unmarshal(payload.D, &ready); err != nil {
			log.WithError(err).Error("Failed to decode READY")
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		if ready.ResumeGatewayURL != "" {
			g.resumeURL = ready.ResumeGatewayURL + "/?v=10&encoding=json"
		}
		g.mu.Unlock()
		log.WithFields(log.Fields{
			"user_id":        ready.User.ID,
			"application_id": ready.Application.ID,
		}).Info("Discord gateway ready")
		if g.OnReady != nil {
			g.OnReady(ready)
		}
	case DispatchChannelCreate, DispatchThreadCreate, DispatchMessageCreate,
		DispatchMessageUpdate, DispatchMessageDelete,
		DispatchMessageReactionAdd, DispatchMessageReactionRemove,
		DispatchInteractionCreate:
		guildID := gjson.GetBytes(payload.D, "guild_id").String()
		if guildID == "" {
			// DMs and ephemeral payloads have no guild; the bridge only
			// mirrors guild traffic.
			return
		}
		if g.OnEvent != nil {
			g.OnEvent(GatewayEvent{Type: payload.T, GuildID: guildID, Data: payload.D})
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.lastAckMu.Lock()
	g.lastAck = time.Now()
	g.lastAckMu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.lastAckMu.Lock()
			stale := time.Since(g.lastAck) > 2*interval
			g.lastAckMu.Unlock()
			if stale {
				// Zombied connection; force the read loop to fail.
				g.mu.Lock()
				if g.conn != nil {
					_ = g.conn.Close()
				}
				g.mu.Unlock()
				return
			}
			g.sendHeartbeat()
		}
	}
}

func (g *Gateway) sendHeartbeat() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return
	}
	data, _ := json.Marshal(g.sequence)
	if err := g.conn.WriteJSON(gatewayPayload{Op: opHeartbeat, D: data}); err != nil {
		log.WithError(err).Debug("Failed to send heartbeat")
	}
}

func (g *Gateway) sendIdentify() error {
	identify := map[string]interface{}{
		"token":   g.token,
		"intents": intentGuilds | intentGuildMessages | intentGuildMessageReactions | intentMessageContent,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "roomy-bridge",
			"device":  "roomy-bridge",
		},
	}
	data, err := json.Marshal(identify)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.WriteJSON(gatewayPayload{Op: opIdentify, D: data})
}

func (g *Gateway) sendResume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var seq int64
	if g.sequence != nil {
		seq = *g.sequence
	}
	resume := map[string]interface{}{
		"token":      g.token,
		"session_id": g.sessionID,
		"seq":        seq,
	}
	data, err := json.Marshal(resume)
	if err != nil {
		return err
	}
	return g.conn.WriteJSON(gatewayPayload{Op: opResume, D: data})
}
