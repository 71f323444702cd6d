package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/identity"
	"github.com/ssd-technologies/termconsensus/internal/review"
)

// WSMessage is the JSON message format for websocket communication.
type WSMessage struct {
	Type    string          `json:"type"` // "hello", "heartbeat", "review", "decline", "evaluation", "assignment", "disconnect"
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is a JSON response sent back to the client.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HelloPayload authenticates a session. Signature covers HelloBytes.
type HelloPayload struct {
	Identity  string `json:"identity"`
	Signature string `json:"signature"`
}

// AssignmentRequest asks for the current assignment of a submission.
type AssignmentRequest struct {
	SubmissionID string `json:"submission_id"`
}

// HelloBytes returns the message a validator signs to bind a session.
func HelloBytes(sessionID, id string) []byte {
	return []byte("HELLO:v1:" + sessionID + ":" + id)
}

// SignHello builds the hello payload for sessionID.
func SignHello(sessionID string, priv ed25519.PrivateKey) HelloPayload {
	id := identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	return HelloPayload{Identity: id, Signature: identity.Sign(priv, HelloBytes(sessionID, id))}
}

// ReviewHandler processes review traffic. *engine.Engine implements it.
type ReviewHandler interface {
	SubmitReview(ctx context.Context, r review.Result) error
	DeclineReview(ctx context.Context, d review.Decline) ([]assignment.Change, error)
	GetAssignment(id string) (*assignment.Assignment, error)
	IngestEvaluation(ctx context.Context, a aggregate.Attestation) error
}

// Per-session message budget.
const (
	messagesPerMinute = 60
	messageBurst      = 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleReviewChannel returns an HTTP handler that upgrades connections to
// websocket sessions carrying reviews and declines from registered
// validators. A session must authenticate with a signed hello before it may
// send review traffic, and only for its own identity.
func HandleReviewChannel(reg *Registry, h ReviewHandler, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "ws")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade", "err", err)
			return
		}
		defer conn.Close()

		s := &session{
			id:      uuid.NewString(),
			conn:    conn,
			reg:     reg,
			handler: h,
			limiter: rate.NewLimiter(rate.Every(time.Minute/messagesPerMinute), messageBurst),
		}
		s.log = log.With("session", s.id)
		if err := conn.WriteJSON(WSResponse{Type: "welcome", Payload: map[string]string{"session_id": s.id}}); err != nil {
			return
		}
		s.serve(r.Context())
	}
}

type session struct {
	id       string
	identity string
	conn     *websocket.Conn
	reg      *Registry
	handler  ReviewHandler
	limiter  *rate.Limiter
	log      *slog.Logger
}

func (s *session) serve(ctx context.Context) {
	for {
		var msg WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read", "err", err)
			}
			return
		}

		if !s.limiter.Allow() {
			s.writeError("rate limit exceeded")
			continue
		}

		if msg.Type != "hello" && msg.Type != "disconnect" && s.identity == "" {
			s.writeError("hello required")
			continue
		}

		var resp WSResponse
		switch msg.Type {
		case "hello":
			var p HelloPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.writeError("invalid hello payload")
				continue
			}
			if err := identity.Verify(p.Identity, HelloBytes(s.id, p.Identity), p.Signature); err != nil {
				s.writeError("invalid hello signature")
				continue
			}
			if err := s.reg.Heartbeat(p.Identity); err != nil {
				s.writeError(err.Error())
				continue
			}
			s.identity = p.Identity
			s.log.Info("validator connected", "identity", p.Identity)
			resp = WSResponse{Type: "hello_ack", Payload: map[string]string{"identity": p.Identity}}

		case "heartbeat":
			if err := s.reg.Heartbeat(s.identity); err != nil {
				s.writeError(err.Error())
				continue
			}
			resp = WSResponse{Type: "heartbeat_ack", Payload: map[string]string{"status": "ok"}}

		case "review":
			var res review.Result
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				s.writeError("invalid review payload")
				continue
			}
			if res.Reviewer != s.identity {
				s.writeError("review signed by another identity")
				continue
			}
			if res.ID == "" {
				res.ID = uuid.NewString()
			}
			if err := s.handler.SubmitReview(ctx, res); err != nil {
				s.writeError(err.Error())
				continue
			}
			resp = WSResponse{Type: "review_ack", Payload: map[string]string{"id": res.ID, "submission_id": res.SubmissionID}}

		case "decline":
			var d review.Decline
			if err := json.Unmarshal(msg.Payload, &d); err != nil {
				s.writeError("invalid decline payload")
				continue
			}
			if d.Reviewer != s.identity {
				s.writeError("decline signed by another identity")
				continue
			}
			changes, err := s.handler.DeclineReview(ctx, d)
			if err != nil {
				s.writeError(err.Error())
				continue
			}
			resp = WSResponse{Type: "decline_ack", Payload: changes}

		case "evaluation":
			var a aggregate.Attestation
			if err := json.Unmarshal(msg.Payload, &a); err != nil {
				s.writeError("invalid evaluation payload")
				continue
			}
			if a.Validator != s.identity {
				s.writeError("evaluation signed by another identity")
				continue
			}
			if err := s.handler.IngestEvaluation(ctx, a); err != nil {
				s.writeError(err.Error())
				continue
			}
			resp = WSResponse{Type: "evaluation_ack", Payload: map[string]string{"submission_id": a.SubmissionID}}

		case "assignment":
			var req AssignmentRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				s.writeError("invalid assignment payload")
				continue
			}
			a, err := s.handler.GetAssignment(req.SubmissionID)
			if err != nil {
				s.writeError(err.Error())
				continue
			}
			resp = WSResponse{Type: "assignment", Payload: a}

		case "disconnect":
			_ = s.conn.WriteJSON(WSResponse{Type: "disconnected", Payload: map[string]string{"status": "ok"}})
			return

		default:
			s.writeError("unknown message type: " + msg.Type)
			continue
		}

		if err := s.conn.WriteJSON(resp); err != nil {
			s.log.Warn("websocket write", "err", err)
			return
		}
	}
}

func (s *session) writeError(message string) {
	resp := WSResponse{
		Type:    "error",
		Payload: map[string]string{"error": message},
	}
	_ = s.conn.WriteJSON(resp)
}
