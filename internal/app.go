package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"kincall/pkg/call"
	"kincall/pkg/credstore"
	"kincall/pkg/engine"
	"kincall/pkg/log"
	"kincall/pkg/media"
	"kincall/pkg/peer"
	"kincall/pkg/store"
	"kincall/pkg/timers"
)

// App is a diagnostic call endpoint. It either dials a target, watches a call
// id to answer it, or runs a loopback demo with two engines over the
// in-process store.
type App struct {
	selfID   string
	selfRole string

	redisAddr     string
	redisPassword string

	stunServers []string
	turnURL     string
	turnUser    string
	turnPass    string

	saveTURNCreds bool
	turnCredFile  string

	calleeID   string
	calleeRole string
	audioOnly  bool

	watchCallID string
	autoAnswer  bool

	loopback bool

	ringTimeout      time.Duration
	connectTimeout   time.Duration
	iceRestartWindow time.Duration

	store  store.Store
	engine *engine.Engine
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup() error {
	a.parseCmdline()

	if a.saveTURNCreds {
		return nil
	}

	if len(a.turnCredFile) != 0 && len(a.turnUser) == 0 {
		if err := a.loadTURNCredentials(); err != nil {
			return err
		}
	}

	if a.loopback {
		a.store = store.NewMemory()

		return nil
	}

	if err := a.setupStore(); err != nil {
		return err
	}

	return a.setupEngine()
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	if a.saveTURNCreds {
		return a.runSaveTURNCreds()
	}

	a.listenOS(cancel)

	if a.loopback {
		return a.runLoopback(ctx)
	}

	log.Infof("Starting kincall endpoint, self: %s (%s)", a.selfID, a.selfRole)
	defer log.Info("Ending kincall endpoint")

	defer a.engine.Close()

	if len(a.calleeID) != 0 {
		return a.runDial(ctx)
	}

	if len(a.watchCallID) != 0 {
		return a.runWatch(ctx)
	}

	return errors.New("either --callee or --watch is required")
}

func (a *App) parseCmdline() {
	// Identity.
	pflag.StringVarP(&a.selfID, "self", "i", "", "Local participant ID")
	pflag.StringVarP(&a.selfRole, "role", "r", "guardian", "Local role: guardian, secondary_adult or child")

	// Call record store.
	pflag.StringVar(&a.redisAddr, "redis", "127.0.0.1:6379", "Redis address backing the shared call record store")
	pflag.StringVar(&a.redisPassword, "redis-password", "", "Redis password")

	// Transport.
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	pflag.StringVar(&a.turnURL, "turn", "", "TURN relay URL (turn:host:port)")
	pflag.StringVar(&a.turnUser, "turn-user", "", "TURN username")
	pflag.StringVar(&a.turnPass, "turn-pass", "", "TURN credential")
	pflag.StringVar(&a.turnCredFile, "turn-cred-file", "", "Path to a file where encrypted TURN credentials are saved to or taken from (see: --save-turn-creds)")
	pflag.BoolVar(&a.saveTURNCreds, "save-turn-creds", false, "Encrypt --turn-user and --turn-pass into --turn-cred-file and exit")

	// Dial mode.
	pflag.StringVarP(&a.calleeID, "callee", "c", "", "Participant ID to dial")
	pflag.StringVar(&a.calleeRole, "callee-role", "child", "Role of the dialed participant")
	pflag.BoolVar(&a.audioOnly, "audio-only", false, "Dial with audio only, no camera")

	// Answer mode.
	pflag.StringVarP(&a.watchCallID, "watch", "w", "", "Call ID to watch for answering")
	pflag.BoolVar(&a.autoAnswer, "answer", false, "Answer the watched call as soon as it is observed ringing")

	// Demo mode.
	pflag.BoolVar(&a.loopback, "loopback", false, "Run a child and a guardian engine over an in-process store and call between them")

	// Failure policy overrides, defaults live in pkg/timers.
	pflag.DurationVar(&a.ringTimeout, "ring-timeout", 0, "Ring timeout before the call ends as no_answer")
	pflag.DurationVar(&a.connectTimeout, "connect-timeout", 0, "Connect timeout before the call ends as failed")
	pflag.DurationVar(&a.iceRestartWindow, "ice-restart-window", 0, "Recovery window after a disconnect before network_lost (clamped to 5s..8s)")

	pflag.Parse()
}

func (a *App) turnCredStore() (*credstore.FileStore, error) {
	cipher, err := credstore.NewAesCbc(credstore.AesCbcConfig{
		// NOTE: The preset Key and IV values should be replaced with your own ones.
		Key: []byte("AES-128-key-1234"),
		IV:  []byte("IV-1234567890123"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "credential store cipher")
	}

	return credstore.NewFileStore(credstore.FileStoreConfig{
		CredentialFile: a.turnCredFile,
	}, cipher), nil
}

func (a *App) loadTURNCredentials() error {
	fileStore, err := a.turnCredStore()
	if err != nil {
		return err
	}

	a.turnUser, a.turnPass, err = fileStore.Load()

	return errors.Wrap(err, "load TURN credentials")
}

func (a *App) runSaveTURNCreds() error {
	fileStore, err := a.turnCredStore()
	if err != nil {
		return err
	}

	err = fileStore.Save(a.turnUser, a.turnPass)

	return errors.Wrap(err, "save TURN credentials")
}

func (a *App) setupStore() (err error) {
	a.store, err = store.NewRedis(store.RedisConfig{
		Addr:     a.redisAddr,
		Password: a.redisPassword,
	})

	return errors.Wrap(err, "call record store")
}

func (a *App) setupEngine() (err error) {
	a.engine, err = a.buildEngine(a.selfID, call.Role(a.selfRole), a.store)

	return err
}

func (a *App) buildEngine(selfID string, role call.Role, st store.Store) (*engine.Engine, error) {
	opener, configureMedia, err := media.DeviceOpener()
	if err != nil {
		return nil, errors.Wrap(err, "media opener")
	}

	coordinator, err := media.NewCoordinator(media.Config{Opener: opener})
	if err != nil {
		return nil, errors.Wrap(err, "media coordinator")
	}

	peerCfg := peer.Config{
		STUN:           a.stunServers,
		ConfigureMedia: configureMedia,
	}

	if len(a.turnURL) != 0 {
		peerCfg.TURN = []peer.TURNServer{{
			URL:        a.turnURL,
			Username:   a.turnUser,
			Credential: a.turnPass,
		}}
	}

	eng, err := engine.New(engine.Config{
		SelfID:   selfID,
		SelfRole: role,
		Store:    st,
		Media:    coordinator,
		Peer:     peerCfg,
		Timers: timers.Config{
			RingTimeout:      a.ringTimeout,
			ConnectTimeout:   a.connectTimeout,
			ICERestartWindow: a.iceRestartWindow,
		},
	})

	return eng, errors.Wrap(err, "call engine")
}

func (a *App) runDial(ctx context.Context) error {
	kind := call.MediaAudioVideo
	if a.audioOnly {
		kind = call.MediaAudio
	}

	target := engine.Target{ID: a.calleeID, Role: call.Role(a.calleeRole)}

	session, err := a.engine.Initiate(ctx, target, kind)
	if err != nil {
		return errors.Wrap(err, "initiate call")
	}

	return a.waitForEnd(ctx, a.engine, session)
}

func (a *App) runWatch(ctx context.Context) error {
	session, err := a.engine.WatchIncoming(ctx, a.watchCallID)
	if err != nil {
		return errors.Wrap(err, "watch call")
	}

	if a.autoAnswer && session.Snapshot().Status == call.StatusRinging {
		if err := a.engine.Answer(ctx, session.ID()); err != nil {
			return errors.Wrap(err, "answer call")
		}
	}

	return a.waitForEnd(ctx, a.engine, session)
}

// waitForEnd logs every snapshot until the call goes terminal or the process
// is interrupted. An interrupt hangs the call up first.
func (a *App) waitForEnd(ctx context.Context, eng *engine.Engine, session *engine.Session) error {
	ended := make(chan engine.Snapshot, 1)

	session.OnUpdate(func(snap engine.Snapshot) {
		log.WithFields(log.Fields{
			"call_id":      snap.CallID,
			"status":       snap.Status,
			"end_reason":   snap.EndReason,
			"remote_track": snap.RemoteTrackAvailable,
		}).Info("call state")

		if snap.Status == call.StatusEnded {
			select {
			case ended <- snap:
			default:
			}
		}
	})

	if snap := session.Snapshot(); snap.Status == call.StatusEnded {
		log.Infof("Call %s already ended: %s", snap.CallID, snap.EndReason)

		return nil
	}

	select {
	case <-ctx.Done():
		if err := eng.Hangup(context.Background(), session.ID()); err != nil {
			log.Error(errors.Wrap(err, "hangup on shutdown"))
		}

		return nil
	case snap := <-ended:
		log.Infof("Call %s ended: %s", snap.CallID, snap.EndReason)

		return nil
	}
}

// runLoopback puts a child and a guardian engine on one in-process store and
// walks a full call through ringing, answering and hangup.
func (a *App) runLoopback(ctx context.Context) error {
	log.Info("Starting loopback demo: child dials guardian in one process")
	defer log.Info("Ending loopback demo")

	childEngine, err := a.buildEngine("child-demo", call.RoleChild, a.store)
	if err != nil {
		return err
	}
	defer childEngine.Close()

	guardianEngine, err := a.buildEngine("guardian-demo", call.RoleGuardian, a.store)
	if err != nil {
		return err
	}
	defer guardianEngine.Close()

	session, err := childEngine.Initiate(ctx, engine.Target{
		ID:   "guardian-demo",
		Role: call.RoleGuardian,
	}, call.MediaAudio)
	if err != nil {
		return errors.Wrap(err, "initiate loopback call")
	}

	if _, err := guardianEngine.WatchIncoming(ctx, session.ID()); err != nil {
		return errors.Wrap(err, "watch loopback call")
	}

	if err := guardianEngine.Answer(ctx, session.ID()); err != nil {
		return errors.Wrap(err, "answer loopback call")
	}

	return a.waitForEnd(ctx, childEngine, session)
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
