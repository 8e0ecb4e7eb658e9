// Package main runs a headless meeting participant: it logs in, waits for admission,
// joins the relay and publishes synthetic audio and video to every other participant.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-meet/backend/config"
	"github.com/aura-meet/backend/internal/meetings"
	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/internal/negotiation"
	"github.com/aura-meet/backend/internal/realtime"
	"github.com/aura-meet/backend/internal/signalclient"
)

const admissionPoll = 2 * time.Second

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "REST API base URL")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "signaling relay URL")
	email := flag.String("email", os.Getenv("MEETBOT_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("MEETBOT_PASSWORD"), "account password")
	code := flag.String("code", "", "meeting code")
	shareAfter := flag.Duration("share-after", 0, "start a screen-share track after this delay (0 disables)")
	muted := flag.Bool("muted", false, "join with the microphone muted")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if *code == "" || *email == "" || *password == "" {
		logger.Fatal("code, email and password are required")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := newAPIClient(*apiURL)
	tok, err := api.login(ctx, *email, *password)
	if err != nil {
		logger.Fatal("login", zap.Error(err))
	}
	self := tok.User.ID.String()
	logger = logger.With(zap.String("meeting_code", *code), zap.String("user_id", self))

	admitted, err := waitForAdmission(ctx, api, *code, self, logger)
	if err != nil {
		logger.Fatal("admission", zap.Error(err))
	}

	iceServers := admitted.IceServers
	if len(iceServers) == 0 {
		iceServers = cfg.WebRTC.ICEServers()
	}
	factory, err := negotiation.NewPionFactory(iceServers)
	if err != nil {
		logger.Fatal("webrtc", zap.Error(err))
	}

	sig, err := signalclient.Dial(ctx, *wsURL, tok.Token, logger)
	if err != nil {
		logger.Fatal("relay", zap.Error(err))
	}

	coord := negotiation.New(negotiation.Config{
		LocalID:        self,
		Signaler:       sig,
		Factory:        factory,
		ReconnectDelay: cfg.Meeting.ReconnectDelay,
		MaxReconnects:  cfg.Meeting.MaxReconnects,
		OnPeerFailed: func(remote string, err error) {
			logger.Warn("lost connection to participant", zap.String("remote", remote), zap.Error(err))
		},
		OnStateChange: func(remote string, state negotiation.State) {
			logger.Info("peer state", zap.String("remote", remote), zap.Stringer("state", state))
		},
		Logger: logger,
	})
	for _, kind := range []negotiation.TrackKind{negotiation.TrackAudio, negotiation.TrackVideo} {
		track, stopTrack, err := syntheticTrack(ctx, coord.Media(), kind, self)
		if err != nil {
			logger.Fatal("synthetic track", zap.String("kind", string(kind)), zap.Error(err))
		}
		coord.Media().Add(kind, track, stopTrack)
	}
	if *muted {
		coord.Media().SetEnabled(negotiation.TrackAudio, false)
	}

	ended := make(chan struct{})
	sig.Run(coord, signalclient.Handlers{
		MeetingEnded: func() { close(ended) },
		Chat: func(m realtime.ChatMessage) {
			logger.Info("chat", zap.String("from", m.UserID.String()), zap.String("text", m.Message))
		},
		Error: func(msg string) { logger.Warn("relay error", zap.String("message", msg)) },
	})
	if err := sig.Join(*code, self); err != nil {
		logger.Fatal("join relay", zap.Error(err))
	}
	logger.Info("joined meeting")

	var shareTimer <-chan time.Time
	if *shareAfter > 0 {
		shareTimer = time.After(*shareAfter)
	}

	for {
		select {
		case <-shareTimer:
			track, stopTrack, err := syntheticTrack(ctx, coord.Media(), negotiation.TrackScreen, self)
			if err != nil {
				logger.Error("screen share track", zap.Error(err))
				continue
			}
			coord.Media().Add(negotiation.TrackScreen, track, stopTrack)
			if err := sig.ToggleScreenShare(true); err != nil {
				logger.Warn("announce screen share", zap.Error(err))
			}
			logger.Info("screen share started")
		case <-ended:
			logger.Info("meeting ended by host")
			coord.Close()
			_ = sig.Close()
			return
		case <-sig.Done():
			logger.Warn("relay connection lost")
			coord.Close()
			return
		case <-ctx.Done():
			logger.Info("leaving meeting")
			_ = sig.Leave()
			coord.Close()
			_ = sig.Close()
			leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := api.leave(leaveCtx, *code); err != nil {
				logger.Debug("rest leave", zap.Error(err))
			}
			cancel()
			return
		}
	}
}

// waitForAdmission requests admission once, then polls the participant list until the host decides.
func waitForAdmission(ctx context.Context, api *apiClient, code, self string, logger *zap.Logger) (*meetings.JoinResponse, error) {
	resp, err := api.join(ctx, code)
	if err != nil {
		return nil, err
	}
	status := resp.Status
	for {
		switch status {
		case models.ParticipantJoined:
			return resp, nil
		case models.ParticipantDenied:
			return nil, errors.New("host denied admission")
		}
		logger.Info("waiting for the host to admit us")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(admissionPoll):
		}
		ps, err := api.participants(ctx, code)
		if err != nil {
			return nil, err
		}
		status = ""
		for _, p := range ps {
			if p.UserID.String() == self {
				status = p.Status
			}
		}
		if status == "" {
			return nil, errors.New("admission request was withdrawn")
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
