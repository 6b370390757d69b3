package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"escrowd/cmd/internal/passphrase"
	"escrowd/crypto"
	"escrowd/sdk/escrow"
)

const (
	rpcURLEnv     = "ESCROWD_RPC_URL"
	rpcTokenEnv   = "ESCROWD_RPC_TOKEN"
	passEnv       = "ESCROWD_KEYSTORE_PASS"
	defaultRPCURL = "http://127.0.0.1:8080"
	callTimeout   = 15 * time.Second
)

// nodeClient is the slice of the SDK surface the CLI drives.
type nodeClient interface {
	Initialize(ctx context.Context) error
	Create(ctx context.Context, req escrow.CreateRequest) (*escrow.CreateResponse, error)
	Lock(ctx context.Context, id, resolver string) (*escrow.State, error)
	Complete(ctx context.Context, id, resolver, secretHex string) (*escrow.State, error)
	Refund(ctx context.Context, id, caller string) (*escrow.State, error)
	Get(ctx context.Context, id string) (*escrow.State, error)
	ListByMaker(ctx context.Context, maker string) ([]escrow.State, error)
	List(ctx context.Context, cursor string, limit int) (*escrow.ListResult, error)
	Stats(ctx context.Context) (*escrow.Stats, error)
	Events(ctx context.Context, afterSequence uint64, limit int) (*escrow.EventsResult, error)
}

var (
	ctlNow        = time.Now
	newNodeClient = func(nodeURL, token string) nodeClient {
		return escrow.NewClient(nodeURL, token)
	}
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	var code int
	switch args[0] {
	case "keys":
		code = runKeysCommand(args[1:], os.Stdout, os.Stderr)
	case "migrate-keystore":
		code = runMigrateKeystore(args[1:], os.Stdout, os.Stderr)
	case "init":
		code = runInit(args[1:], os.Stdout, os.Stderr)
	case "create":
		code = runCreate(args[1:], os.Stdout, os.Stderr)
	case "lock":
		code = runLock(args[1:], os.Stdout, os.Stderr)
	case "complete":
		code = runComplete(args[1:], os.Stdout, os.Stderr)
	case "refund":
		code = runRefund(args[1:], os.Stdout, os.Stderr)
	case "get":
		code = runGet(args[1:], os.Stdout, os.Stderr)
	case "list":
		code = runList(args[1:], os.Stdout, os.Stderr)
	case "stats":
		code = runStats(args[1:], os.Stdout, os.Stderr)
	case "events":
		code = runEvents(args[1:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(os.Stdout, usage())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		code = 1
	}
	os.Exit(code)
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl <command> [flags]

Commands:
  keys new          Generate an encrypted keystore file
  keys show         Print the address held in a keystore file
  migrate-keystore  Convert a plaintext OperatorKey config entry to a keystore
  init              Wipe the registry (requires the node bearer token)
  create            Deposit a new escrow
  lock              Claim a pending escrow as resolver
  complete          Reveal the secret and settle an escrow
  refund            Return an expired escrow to its maker
  get               Fetch one escrow by identifier
  list              Page through the registry
  stats             Print the registry counters
  events            Print sequenced lifecycle events

Environment:
  ESCROWD_RPC_URL        Default node endpoint
  ESCROWD_RPC_TOKEN      Default bearer token for mutations
  ESCROWD_KEYSTORE_PASS  Keystore passphrase (skips the prompt)
`)
}

// clientFlags are shared by every command that talks to the node.
type clientFlags struct {
	nodeURL  string
	token    string
	keyFile  string
	passFile string
	caller   string
}

func (f *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.nodeURL, "node", defaultNodeURL(), "Escrow node RPC endpoint")
	fs.StringVar(&f.token, "token", os.Getenv(rpcTokenEnv), "Bearer token for mutating calls")
	fs.StringVar(&f.keyFile, "key", "", "Keystore file providing the caller identity")
	fs.StringVar(&f.passFile, "pass-file", "", "File containing the keystore passphrase")
	fs.StringVar(&f.caller, "caller", "", "Caller address (defaults to the keystore address)")
}

func (f *clientFlags) client() nodeClient {
	return newNodeClient(f.nodeURL, f.token)
}

// resolveCaller returns the explicit --caller value or derives the address
// from the keystore file.
func (f *clientFlags) resolveCaller() (string, error) {
	if caller := strings.TrimSpace(f.caller); caller != "" {
		if _, err := crypto.DecodeAddress(caller); err != nil {
			return "", fmt.Errorf("invalid --caller address: %w", err)
		}
		return caller, nil
	}
	path := strings.TrimSpace(f.keyFile)
	if path == "" {
		return "", errors.New("--caller or --key is required")
	}
	key, err := loadKey(path, f.passFile)
	if err != nil {
		return "", err
	}
	return key.PubKey().Address().String(), nil
}

// loadKey decrypts a keystore file. Passphrase-less keystores open directly;
// protected ones consult the environment, the passphrase file, or the
// terminal.
func loadKey(path, passFile string) (*crypto.PrivateKey, error) {
	if key, err := crypto.LoadFromKeystore(path, ""); err == nil {
		return key, nil
	}
	source := passphrase.NewSource(passEnv, passFile)
	pass, err := source.Get()
	if err != nil {
		return nil, fmt.Errorf("keystore %s requires a passphrase: %w", path, err)
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", path, err)
	}
	return key, nil
}

func newCommandFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: escrowctl %s [flags]\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func reportError(w io.Writer, err error) int {
	var rpcErr *escrow.RPCError
	if errors.As(err, &rpcErr) {
		fmt.Fprintf(w, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		return 1
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeJSON(w io.Writer, payload interface{}) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", payload)
		return
	}
	fmt.Fprintln(w, string(encoded))
}

func defaultNodeURL() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return defaultRPCURL
}

func validateEscrowID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return errors.New("--id is required")
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(trimmed, "0x"))
	if err != nil || len(decoded) != 32 {
		return errors.New("--id must be a 32-byte hex identifier")
	}
	return nil
}
