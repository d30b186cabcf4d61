// Command call-client joins a meeting and runs a call session until
// interrupted. It is the reference integration of the session facade.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/jobmesh/meetrtc/internal/config"
	"github.com/jobmesh/meetrtc/internal/ice"
	"github.com/jobmesh/meetrtc/internal/media"
	"github.com/jobmesh/meetrtc/internal/session"
	"github.com/jobmesh/meetrtc/internal/signaling"
	"github.com/jobmesh/meetrtc/internal/turnserver"
)

// Application holds all components for one client process.
type Application struct {
	cfg     *config.Config
	logger  *zap.Logger
	relay   *turnserver.Server
	media   *media.LocalMedia
	session *session.Session
}

func main() {
	meetingID := flag.String("meeting", "", "meeting id to join")
	name := flag.String("name", "", "display name (overrides config)")
	video := flag.Bool("video", true, "start with camera on")
	audio := flag.Bool("audio", true, "start with microphone on")
	fakeMedia := flag.Bool("fake-media", false, "use fake capture devices")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *meetingID == "" {
		logger.Fatal("Missing required -meeting flag")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *name != "" {
		cfg.DisplayName = *name
	}

	app, err := newApplication(cfg, logger, *meetingID, *video, *audio, *fakeMedia)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.cleanup()

	app.run()
}

func newApplication(cfg *config.Config, logger *zap.Logger, meetingID string, video, audio, fakeMedia bool) (*Application, error) {
	app := &Application{cfg: cfg, logger: logger}

	iceServers, err := app.provisionICE()
	if err != nil {
		return nil, err
	}

	var opener media.DeviceOpener
	if fakeMedia {
		opener = media.NewLoopbackOpener()
	} else {
		opener, err = media.NewDeviceOpener(media.CaptureConfig{
			Width:     cfg.Media.Width,
			Height:    cfg.Media.Height,
			Framerate: cfg.Media.Framerate,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	localMedia, err := media.Acquire(media.Options{Video: video, Audio: audio}, opener, logger)
	if err != nil {
		return nil, err
	}
	app.media = localMedia

	sess := session.New(session.Config{
		MeetingID:   meetingID,
		DisplayName: cfg.DisplayName,
		ICEServers:  iceServers,
	}, localMedia, logger)
	app.session = sess

	channel := signaling.NewChannel(cfg.Signaling.URL, sess, logger, signaling.Options{
		ReconnectInterval: cfg.Signaling.ReconnectInterval,
		MaxReconnects:     cfg.Signaling.MaxReconnects,
	})
	if err := sess.Start(channel); err != nil {
		return nil, err
	}

	logger.Info("Joined meeting",
		zap.String("meeting", meetingID),
		zap.String("participant", sess.ParticipantID()))
	return app, nil
}

// provisionICE prefers the provisioning endpoint; without one it falls back
// to the embedded relay (when enabled) plus public STUN.
func (app *Application) provisionICE() ([]webrtc.ICEServer, error) {
	if app.cfg.ICE.ProvisionURL != "" {
		return ice.Fetch(context.Background(), ice.ProviderConfig{
			URL:        app.cfg.ICE.ProvisionURL,
			Username:   app.cfg.ICE.Username,
			Credential: app.cfg.ICE.Credential,
		}, app.logger)
	}

	servers := ice.Default()
	if app.cfg.Turn.Enabled {
		relay := turnserver.New(turnserver.Config{
			Port:     app.cfg.Turn.Port,
			PublicIP: app.cfg.Turn.PublicIP,
			Realm:    app.cfg.Turn.Realm,
			Users:    app.cfg.Turn.Users,
			Threads:  app.cfg.Turn.Threads,
		}, app.logger)
		if err := relay.Start(context.Background()); err != nil {
			return nil, err
		}
		app.relay = relay
		servers = append(relay.ICEServers(), servers...)
	}
	return servers, nil
}

func (app *Application) run() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigs:
			app.logger.Info("Shutting down", zap.Stringer("signal", sig))
			return
		case event, ok := <-app.session.Events():
			if !ok {
				return
			}
			app.logger.Info("Session event",
				zap.Stringer("kind", event.Kind),
				zap.String("participant", event.ParticipantID),
				zap.Error(event.Err))
			if event.Kind == session.EventSignalingLost {
				return
			}
		}
	}
}

func (app *Application) cleanup() {
	if app.session != nil {
		if err := app.session.End(); err != nil {
			app.logger.Warn("Session end reported error", zap.Error(err))
		}
	}
	if app.relay != nil {
		if err := app.relay.Stop(); err != nil {
			app.logger.Warn("Relay stop reported error", zap.Error(err))
		}
	}
}
