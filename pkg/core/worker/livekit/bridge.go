// Package livekit implements worker.Bridge on top of LiveKit room and agent
// dispatch services. The voice pipeline itself runs in a LiveKit agent; this
// bridge only provisions rooms, dispatches agents and relays data packets.
package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/vango-go/roomgate/pkg/core"
	"github.com/vango-go/roomgate/pkg/core/worker"
)

const (
	TopicBootstrap = "roomgate.session"
	TopicAudio     = "roomgate.audio"
	TopicText      = "roomgate.text"

	// LiveKit rejects data packets above roughly 15 KiB.
	maxDataPacketBytes = 14 * 1024
)

// RoomService is the subset of lksdk.RoomServiceClient the bridge uses.
type RoomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	SendData(ctx context.Context, req *livekit.SendDataRequest) (*livekit.SendDataResponse, error)
}

// DispatchService is the subset of lksdk.AgentDispatchClient the bridge uses.
type DispatchService interface {
	CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error)
	DeleteDispatch(ctx context.Context, req *livekit.DeleteAgentDispatchRequest) (*livekit.AgentDispatch, error)
}

type Config struct {
	URL       string
	APIKey    string
	APISecret string

	// AgentName is the name the voice agent registered with LiveKit.
	AgentName string
	// AvatarAgentName enables the avatar phase when set.
	AvatarAgentName string
	AvatarID        string
	AvatarImagePath string

	STTModel string
	LLMModel string
	TTSModel string
	TTSVoice string

	ConnectTimeout   time.Duration
	AvatarTimeout    time.Duration
	GreetingTimeout  time.Duration
	EmptyRoomTimeout time.Duration

	Logger *slog.Logger
}

type modelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Voice    string `json:"voice,omitempty"`
}

type dispatchMetadata struct {
	SessionID    string   `json:"session_id"`
	SystemPrompt string   `json:"system_prompt"`
	AgentName    string   `json:"agent_name"`
	Language     string   `json:"language"`
	STT          modelRef `json:"stt"`
	LLM          modelRef `json:"llm"`
	TTS          modelRef `json:"tts"`
}

type avatarMetadata struct {
	SessionID string `json:"session_id"`
	AvatarID  string `json:"avatar_id,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

type bootstrapPacket struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	SystemPrompt string `json:"system_prompt"`
	AgentName    string `json:"agent_name"`
	Language     string `json:"language"`
}

type Bridge struct {
	cfg      Config
	rooms    RoomService
	dispatch DispatchService
	logger   *slog.Logger

	stt, llm, tts modelRef
}

var _ worker.Bridge = (*Bridge)(nil)

// New builds a bridge that talks to the LiveKit server at cfg.URL.
func New(cfg Config) (*Bridge, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("livekit: url, api key and api secret are required")
	}
	rooms := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	dispatch := lksdk.NewAgentDispatchServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	return NewWithClients(cfg, rooms, dispatch)
}

// NewWithClients builds a bridge around caller-supplied service clients.
func NewWithClients(cfg Config, rooms RoomService, dispatch DispatchService) (*Bridge, error) {
	if rooms == nil || dispatch == nil {
		return nil, errors.New("livekit: room and dispatch services are required")
	}
	if cfg.AgentName == "" {
		return nil, errors.New("livekit: agent name is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.AvatarTimeout <= 0 {
		cfg.AvatarTimeout = 10 * time.Second
	}
	if cfg.GreetingTimeout <= 0 {
		cfg.GreetingTimeout = 15 * time.Second
	}
	if cfg.EmptyRoomTimeout <= 0 {
		cfg.EmptyRoomTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{cfg: cfg, rooms: rooms, dispatch: dispatch, logger: cfg.Logger}
	var err error
	if b.stt, err = parseModel(cfg.STTModel, ""); err != nil {
		return nil, fmt.Errorf("livekit: stt model: %w", err)
	}
	if b.llm, err = parseModel(cfg.LLMModel, ""); err != nil {
		return nil, fmt.Errorf("livekit: llm model: %w", err)
	}
	if b.tts, err = parseModel(cfg.TTSModel, cfg.TTSVoice); err != nil {
		return nil, fmt.Errorf("livekit: tts model: %w", err)
	}
	return b, nil
}

func parseModel(raw, voice string) (modelRef, error) {
	if raw == "" {
		return modelRef{Voice: voice}, nil
	}
	provider, model, err := core.ParseModelString(raw)
	if err != nil {
		return modelRef{}, err
	}
	return modelRef{Provider: provider, Model: model, Voice: voice}, nil
}

// Start ensures the room exists, dispatches the agent (and avatar when
// configured) and sends the session bootstrap packet. Each phase has its own
// deadline; on failure any dispatch created so far is removed.
func (b *Bridge) Start(ctx context.Context, req worker.StartRequest) (*worker.Handle, error) {
	h := req.Reuse
	if h == nil {
		h = &worker.Handle{ID: uuid.NewString()}
	}
	h.SessionID = req.SessionID
	h.Room = req.Room
	h.DispatchID = ""
	h.AvatarDispatchID = ""

	if err := b.connect(ctx, h, req); err != nil {
		b.cleanup(ctx, h)
		return nil, startError("connect", err)
	}
	if b.cfg.AvatarAgentName != "" {
		if err := b.startAvatar(ctx, h, req); err != nil {
			b.cleanup(ctx, h)
			return nil, startError("avatar", err)
		}
	}
	if err := b.greet(ctx, req); err != nil {
		b.cleanup(ctx, h)
		return nil, startError("greeting", err)
	}

	h.StartedAt = time.Now()
	h.Starts++
	b.logger.Info("worker dispatched", "session_id", req.SessionID, "room", req.Room, "dispatch_id", h.DispatchID)
	return h, nil
}

func (b *Bridge) connect(ctx context.Context, h *worker.Handle, req worker.StartRequest) error {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	if _, err := b.rooms.CreateRoom(cctx, &livekit.CreateRoomRequest{
		Name:         req.Room,
		EmptyTimeout: uint32(b.cfg.EmptyRoomTimeout / time.Second),
	}); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	meta, err := json.Marshal(dispatchMetadata{
		SessionID:    req.SessionID,
		SystemPrompt: req.SystemPrompt,
		AgentName:    req.AgentName,
		Language:     req.Language,
		STT:          b.stt,
		LLM:          b.llm,
		TTS:          b.tts,
	})
	if err != nil {
		return err
	}
	d, err := b.dispatch.CreateDispatch(cctx, &livekit.CreateAgentDispatchRequest{
		AgentName: b.cfg.AgentName,
		Room:      req.Room,
		Metadata:  string(meta),
	})
	if err != nil {
		return fmt.Errorf("dispatch agent: %w", err)
	}
	h.DispatchID = d.GetId()
	return nil
}

func (b *Bridge) startAvatar(ctx context.Context, h *worker.Handle, req worker.StartRequest) error {
	actx, cancel := context.WithTimeout(ctx, b.cfg.AvatarTimeout)
	defer cancel()

	meta, err := json.Marshal(avatarMetadata{
		SessionID: req.SessionID,
		AvatarID:  b.cfg.AvatarID,
		ImagePath: b.cfg.AvatarImagePath,
	})
	if err != nil {
		return err
	}
	d, err := b.dispatch.CreateDispatch(actx, &livekit.CreateAgentDispatchRequest{
		AgentName: b.cfg.AvatarAgentName,
		Room:      req.Room,
		Metadata:  string(meta),
	})
	if err != nil {
		return fmt.Errorf("dispatch avatar: %w", err)
	}
	h.AvatarDispatchID = d.GetId()
	return nil
}

func (b *Bridge) greet(ctx context.Context, req worker.StartRequest) error {
	gctx, cancel := context.WithTimeout(ctx, b.cfg.GreetingTimeout)
	defer cancel()

	payload, err := json.Marshal(bootstrapPacket{
		Type:         "session_start",
		SessionID:    req.SessionID,
		SystemPrompt: req.SystemPrompt,
		AgentName:    req.AgentName,
		Language:     req.Language,
	})
	if err != nil {
		return err
	}
	return b.send(gctx, req.Room, TopicBootstrap, payload, livekit.DataPacket_RELIABLE)
}

// Stop removes the agent dispatches so the worker leaves the room. The room
// itself is left to expire once empty.
func (b *Bridge) Stop(ctx context.Context, h *worker.Handle) error {
	return b.removeDispatches(ctx, h)
}

// Dispose removes any remaining dispatch. Rooms are never deleted here since a
// pooled handle's room may already be in use again by its session.
func (b *Bridge) Dispose(ctx context.Context, h *worker.Handle) error {
	return b.removeDispatches(ctx, h)
}

func (b *Bridge) ProcessAudio(ctx context.Context, h *worker.Handle, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), maxDataPacketBytes)
		if err := b.send(ctx, h.Room, TopicAudio, data[:n], livekit.DataPacket_LOSSY); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ProcessText forwards text to the agent. The agent answers inside the room,
// so no reply is returned here.
func (b *Bridge) ProcessText(ctx context.Context, h *worker.Handle, text string) (string, error) {
	return "", b.send(ctx, h.Room, TopicText, []byte(text), livekit.DataPacket_RELIABLE)
}

func (b *Bridge) send(ctx context.Context, room, topic string, data []byte, kind livekit.DataPacket_Kind) error {
	_, err := b.rooms.SendData(ctx, &livekit.SendDataRequest{
		Room:  room,
		Data:  data,
		Kind:  kind,
		Topic: &topic,
	})
	if err != nil {
		return fmt.Errorf("send %s data: %w", topic, err)
	}
	return nil
}

func (b *Bridge) removeDispatches(ctx context.Context, h *worker.Handle) error {
	var errs []error
	if h.AvatarDispatchID != "" {
		if _, err := b.dispatch.DeleteDispatch(ctx, &livekit.DeleteAgentDispatchRequest{
			DispatchId: h.AvatarDispatchID,
			Room:       h.Room,
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete avatar dispatch: %w", err))
		} else {
			h.AvatarDispatchID = ""
		}
	}
	if h.DispatchID != "" {
		if _, err := b.dispatch.DeleteDispatch(ctx, &livekit.DeleteAgentDispatchRequest{
			DispatchId: h.DispatchID,
			Room:       h.Room,
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete agent dispatch: %w", err))
		} else {
			h.DispatchID = ""
		}
	}
	return errors.Join(errs...)
}

// cleanup runs after a failed start on a context that outlives the start deadline.
func (b *Bridge) cleanup(ctx context.Context, h *worker.Handle) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.AvatarTimeout)
	defer cancel()
	if err := b.removeDispatches(cctx, h); err != nil {
		b.logger.Warn("cleanup after failed worker start", "session_id", h.SessionID, "error", err)
	}
}

func startError(phase string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s phase: %w", worker.ErrStartTimeout, phase, err)
	}
	return fmt.Errorf("%w: %s phase: %w", worker.ErrStartFailure, phase, err)
}
