package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"plugin"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/custodia-network/mpc-wallet-client/config"
	"github.com/custodia-network/mpc-wallet-client/db"
	"github.com/custodia-network/mpc-wallet-client/logger"
	"github.com/custodia-network/mpc-wallet-client/mpc/bridge"
	"github.com/custodia-network/mpc-wallet-client/mpc/session"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharecrypto"
	"github.com/custodia-network/mpc-wallet-client/mpc/sharestore"
	"github.com/custodia-network/mpc-wallet-client/mpc/transport/websocket"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	os.Args = os.Args[1:] // Remove command from args for flag parsing

	switch command {
	case "init":
		runInit()
	case "keygen":
		runKeygen()
	case "sign":
		runSign()
	case "accounts":
		runAccounts()
	case "backup":
		runBackup()
	case "restore":
		runRestore()
	case "remove":
		runRemove()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: walletd <command> [flags]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  init       Write a default config file")
	fmt.Println("  keygen     Generate a wallet key with the custodian and seal the share")
	fmt.Println("  sign       Sign a message hash with a stored share")
	fmt.Println("  accounts   List stored shares")
	fmt.Println("  backup     Export a sealed share as a backup blob")
	fmt.Println("  restore    Import a sealed-share backup blob")
	fmt.Println("  remove     Delete a stored share")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  walletd init -home=~/.walletclient")
	fmt.Println("  walletd keygen -wallet-id=w1 -token=$WALLET_TOKEN -password=...")
	fmt.Println("  walletd sign -keyset-id=ks1 -message='hello' -token=$WALLET_TOKEN -password=...")
	fmt.Println("  walletd backup -keyset-id=ks1 -out=ks1.share.json")
}

// homeFlag registers the shared -home flag on the default FlagSet.
func homeFlag() *string {
	return flag.String("home", "", "base directory for config and share storage (defaults to ~/.walletclient)")
}

func loadConfig(home string) *config.Config {
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".walletclient")
		}
	}
	cfg, err := config.Load(home)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(zerolog.Level(cfg.LogLevel), cfg.LogFormat)
}

func openStore(cfg *config.Config, log zerolog.Logger) (*sharestore.Store, func()) {
	database, err := db.OpenFileDB(cfg.NodeHome, cfg.DatabaseFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open share database")
	}
	return sharestore.New(database, log), func() { _ = database.Close() }
}

// loadPrimitiveModule resolves the compiled MPC primitive library from a Go
// plugin. The plugin must export NewModule with the bridge constructor shape.
func loadPrimitiveModule(path string) bridge.Loader {
	return func(ctx context.Context, host bridge.Host) (bridge.Module, error) {
		p, err := plugin.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open primitive module %s", path)
		}
		sym, err := p.Lookup("NewModule")
		if err != nil {
			return nil, errors.Wrap(err, "primitive module does not export NewModule")
		}
		ctor, ok := sym.(func(bridge.Host) (bridge.Module, error))
		if !ok {
			return nil, errors.Errorf("NewModule has unexpected type %T", sym)
		}
		return ctor(host)
	}
}

// keccakHash adapts go-ethereum's variadic Keccak256 to the single-buffer
// shape the bridge host expects.
func keccakHash(data []byte) []byte {
	return ethcrypto.Keccak256(data)
}

// newSession wires transport, bridge, and store into a protocol session.
func newSession(cfg *config.Config, modulePath string, shares *sharestore.Store, log zerolog.Logger) (*session.Session, error) {
	tr := websocket.New(websocket.Config{
		URL:         cfg.CoordinatorWSURL,
		DialTimeout: time.Duration(cfg.DialTimeoutSeconds) * time.Second,
	}, log)

	br := bridge.New(loadPrimitiveModule(modulePath), keccakHash, log)

	return session.New(session.Config{
		Transport:         tr,
		Bridge:            br,
		Shares:            shares,
		PasswordPolicy:    sharecrypto.Policy{MinLength: cfg.PasswordMinLength, RequireUpper: true, RequireLower: true, RequireDigit: true},
		KDFIterations:     cfg.KDFIterations,
		AuthTimeout:       time.Duration(cfg.AuthTimeoutSeconds) * time.Second,
		ProtocolTimeout:   time.Duration(cfg.ProtocolTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		OnError: func(err error) {
			log.Warn().Err(err).Msg("session error")
		},
		Logger: log,
	})
}

func runInit() {
	home := homeFlag()
	flag.Parse()

	cfg, err := config.Default()
	if err != nil {
		fmt.Printf("failed to build default config: %v\n", err)
		os.Exit(1)
	}
	if *home != "" {
		cfg.NodeHome = *home
	}
	if err := config.Save(cfg, cfg.NodeHome); err != nil {
		fmt.Printf("failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote default config under %s\n", cfg.NodeHome)
}

func runKeygen() {
	var (
		home       = homeFlag()
		walletID   = flag.String("wallet-id", "", "wallet identifier (required)")
		token      = flag.String("token", "", "authentication token (required)")
		password   = flag.String("password", "", "share encryption password (required)")
		modulePath = flag.String("module", "", "path to the compiled primitive module plugin (required)")
	)
	flag.Parse()
	requireFlags(map[string]string{"wallet-id": *walletID, "token": *token, "password": *password, "module": *modulePath})

	cfg := loadConfig(*home)
	log := newLogger(cfg).With().Str("wallet_id", *walletID).Logger()

	shares, closeStore := openStore(cfg, log)
	defer closeStore()

	sess, err := newSession(cfg, *modulePath, shares, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to coordinator")
	}
	defer func() { _ = sess.Disconnect() }()

	if err := sess.Authenticate(ctx, *token); err != nil {
		log.Fatal().Err(err).Msg("authentication failed")
	}

	res, err := sess.StartDKG(ctx, *walletID, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("key generation failed")
	}

	fmt.Println("Key generation complete.")
	fmt.Printf("  keyset:  %s\n", res.KeysetID)
	fmt.Printf("  address: %s\n", res.EthereumAddress)
	fmt.Printf("  pubkey:  %s\n", res.PublicKey)
}

func runSign() {
	var (
		home       = homeFlag()
		keysetID   = flag.String("keyset-id", "", "keyset identifier (required)")
		walletID   = flag.String("wallet-id", "", "wallet identifier the keyset must belong to")
		txID       = flag.String("tx-id", "", "transaction identifier (defaults to a fresh UUID)")
		message    = flag.String("message", "", "message to sign; hashed with keccak256")
		hashHex    = flag.String("hash", "", "32-byte message hash in hex (alternative to -message)")
		token      = flag.String("token", "", "authentication token (required)")
		password   = flag.String("password", "", "share encryption password (required)")
		modulePath = flag.String("module", "", "path to the compiled primitive module plugin (required)")
	)
	flag.Parse()
	requireFlags(map[string]string{"keyset-id": *keysetID, "token": *token, "password": *password, "module": *modulePath})

	cfg := loadConfig(*home)
	log := newLogger(cfg).With().Str("keyset_id", *keysetID).Logger()

	var messageHash []byte
	switch {
	case *hashHex != "":
		var err error
		messageHash, err = hex.DecodeString(*hashHex)
		if err != nil || len(messageHash) != 32 {
			log.Fatal().Msg("hash must be 32 bytes of hex")
		}
	case *message != "":
		messageHash = ethcrypto.Keccak256([]byte(*message))
	default:
		log.Fatal().Msg("either -message or -hash is required")
	}

	if *txID == "" {
		*txID = uuid.NewString()
	}

	shares, closeStore := openStore(cfg, log)
	defer closeStore()

	sess, err := newSession(cfg, *modulePath, shares, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to coordinator")
	}
	defer func() { _ = sess.Disconnect() }()

	if err := sess.Authenticate(ctx, *token); err != nil {
		log.Fatal().Err(err).Msg("authentication failed")
	}

	res, err := sess.StartSigning(ctx, *keysetID, *txID, messageHash, *walletID, *password)
	if err != nil {
		log.Fatal().Err(err).Msg("signing failed")
	}

	fmt.Println("Signing complete.")
	fmt.Printf("  tx:        %s\n", *txID)
	fmt.Printf("  r:         %s\n", res.R)
	fmt.Printf("  s:         %s\n", res.S)
	fmt.Printf("  v:         %d\n", res.V)
	fmt.Printf("  signature: %s\n", res.FullSignature)
}

func runAccounts() {
	home := homeFlag()
	flag.Parse()

	cfg := loadConfig(*home)
	log := newLogger(cfg)

	shares, closeStore := openStore(cfg, log)
	defer closeStore()

	entries, err := shares.List()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list shares")
	}
	if len(entries) == 0 {
		fmt.Println("No stored shares.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  wallet=%s  keyset=%s  created=%s\n",
			e.EthereumAddress, e.WalletID, e.KeysetID, e.CreatedAt.Format(time.RFC3339))
	}
}

func runBackup() {
	var (
		home     = homeFlag()
		keysetID = flag.String("keyset-id", "", "keyset identifier (required)")
		out      = flag.String("out", "", "output file (defaults to <keyset-id>.share.json)")
	)
	flag.Parse()
	requireFlags(map[string]string{"keyset-id": *keysetID})

	cfg := loadConfig(*home)
	log := newLogger(cfg)

	shares, closeStore := openStore(cfg, log)
	defer closeStore()

	blob, err := shares.ExportForBackup(*keysetID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to export share")
	}

	path := *out
	if path == "" {
		path = *keysetID + ".share.json"
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		log.Fatal().Err(err).Msg("failed to write backup file")
	}
	fmt.Printf("wrote sealed-share backup to %s\n", filepath.Clean(path))
	fmt.Println("The blob stays encrypted; the share password is still required to use it.")
}

func runRestore() {
	var (
		home = homeFlag()
		in   = flag.String("in", "", "backup file to import (required)")
	)
	flag.Parse()
	requireFlags(map[string]string{"in": *in})

	cfg := loadConfig(*home)
	log := newLogger(cfg)

	blob, err := os.ReadFile(*in)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read backup file")
	}

	shares, closeStore := openStore(cfg, log)
	defer closeStore()

	if err := shares.ImportFromBackup(blob); err != nil {
		log.Fatal().Err(err).Msg("failed to import backup")
	}
	fmt.Println("backup imported")
}

func runRemove() {
	var (
		home     = homeFlag()
		keysetID = flag.String("keyset-id", "", "keyset identifier (required)")
	)
	flag.Parse()
	requireFlags(map[string]string{"keyset-id": *keysetID})

	cfg := loadConfig(*home)
	log := newLogger(cfg)

	shares, closeStore := openStore(cfg, log)
	defer closeStore()

	if err := shares.Delete(*keysetID); err != nil {
		log.Fatal().Err(err).Msg("failed to delete share")
	}
	fmt.Printf("removed share for keyset %s\n", *keysetID)
}

func requireFlags(values map[string]string) {
	for name, value := range values {
		if value == "" {
			fmt.Printf("%s flag is required\n", name)
			flag.Usage()
			os.Exit(1)
		}
	}
}
