package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quorumescrow/cmd/internal/secret"
	"quorumescrow/config"
	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
	"quorumescrow/services/escrowd"
)

const (
	envServer = "ESCROWCTL_SERVER"
	envToken  = "ESCROWCTL_TOKEN"
	envCaller = "ESCROWCTL_CALLER"

	defaultServer = "http://127.0.0.1:8085"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	client *client
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	defaultServerURL := strings.TrimSpace(os.Getenv(envServer))
	if defaultServerURL == "" {
		defaultServerURL = defaultServer
	}

	root := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	root.SetOutput(stderr)
	server := root.String("server", defaultServerURL, "escrowd base URL")
	token := root.String("token", os.Getenv(envToken), "bearer token for authenticated calls")
	caller := root.String("caller", os.Getenv(envCaller), "caller address sent as X-Caller when auth is disabled")
	if err := root.Parse(args); err != nil {
		return 2
	}

	rest := root.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	c := &cli{client: newClient(*server, *token, *caller), stdout: stdout, stderr: stderr}
	ctx := context.Background()
	switch rest[0] {
	case "create":
		return c.runCreate(ctx, rest[1:])
	case "deposit":
		return c.runDeposit(ctx, rest[1:])
	case "confirm", "dispute", "force-refund":
		return c.runAction(ctx, rest[0], rest[1:])
	case "resolve":
		return c.runResolve(ctx, rest[1:])
	case "withdraw":
		return c.runWithdraw(ctx, rest[1:])
	case "get":
		return c.runGet(ctx, rest[1:])
	case "list":
		return c.runList(ctx, rest[1:])
	case "summary":
		return c.runSimple(ctx, "/v1/escrows/summary")
	case "events":
		return c.runEvents(ctx, rest[1:])
	case "credit":
		return c.runCredit(ctx, rest[1:])
	case "balances":
		return c.runBalances(ctx, rest[1:])
	case "token":
		return c.runToken(rest[1:])
	case "keygen":
		return c.runKeygen()
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) fail(format string, args ...any) int {
	fmt.Fprintf(c.stderr, format+"\n", args...)
	return 1
}

func (c *cli) failRequest(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return c.fail("%v", apiErr)
	}
	return c.fail("request failed: %v", err)
}

func (c *cli) runCreate(ctx context.Context, args []string) int {
	fs := c.flagSet("create")
	file := fs.String("f", "", "YAML escrow configuration file")
	nonce := fs.String("nonce", "", "optional creation nonce")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*file) == "" {
		return c.fail("-f is required")
	}
	doc, err := loadConfigDocument(*file)
	if err != nil {
		return c.fail("%v", err)
	}
	body := map[string]any{"config": doc}
	if strings.TrimSpace(*nonce) != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(*nonce), 10, 64)
		if err != nil {
			return c.fail("invalid -nonce: %v", err)
		}
		body["nonce"] = n
	}
	return c.send(ctx, http.MethodPost, "/v1/escrows", body, requestOptions{idempotencyKey: *idemKey})
}

func loadConfigDocument(path string) (escrow.ConfigDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return escrow.ConfigDocument{}, fmt.Errorf("read config: %w", err)
	}
	var doc escrow.ConfigDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return escrow.ConfigDocument{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return doc, nil
}

func (c *cli) runDeposit(ctx context.Context, args []string) int {
	fs := c.flagSet("deposit")
	id := fs.String("id", "", "escrow identifier")
	asset := fs.String("asset", "native", "asset to deposit")
	amount := fs.String("amount", "", "amount in base units")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" || strings.TrimSpace(*amount) == "" {
		return c.fail("-id and -amount are required")
	}
	body := map[string]string{"asset": *asset, "amount": strings.TrimSpace(*amount)}
	return c.send(ctx, http.MethodPost, escrowPath(*id, "deposit"), body, requestOptions{idempotencyKey: *idemKey})
}

func (c *cli) runAction(ctx context.Context, action string, args []string) int {
	fs := c.flagSet(action)
	id := fs.String("id", "", "escrow identifier")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		return c.fail("-id is required")
	}
	return c.send(ctx, http.MethodPost, escrowPath(*id, action), nil, requestOptions{idempotencyKey: *idemKey})
}

func (c *cli) runResolve(ctx context.Context, args []string) int {
	fs := c.flagSet("resolve")
	id := fs.String("id", "", "escrow identifier")
	outcome := fs.String("outcome", "", "release or refund")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" || strings.TrimSpace(*outcome) == "" {
		return c.fail("-id and -outcome are required")
	}
	body := map[string]string{"outcome": strings.ToLower(strings.TrimSpace(*outcome))}
	return c.send(ctx, http.MethodPost, escrowPath(*id, "resolve"), body, requestOptions{idempotencyKey: *idemKey})
}

func (c *cli) runWithdraw(ctx context.Context, args []string) int {
	fs := c.flagSet("withdraw")
	id := fs.String("id", "", "escrow identifier")
	asset := fs.String("asset", "native", "asset to withdraw")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		return c.fail("-id is required")
	}
	return c.send(ctx, http.MethodPost, escrowPath(*id, "withdraw"), map[string]string{"asset": *asset}, requestOptions{idempotencyKey: *idemKey})
}

func (c *cli) runGet(ctx context.Context, args []string) int {
	fs := c.flagSet("get")
	id := fs.String("id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		return c.fail("-id is required")
	}
	return c.runSimple(ctx, escrowPath(*id, ""))
}

func (c *cli) runList(ctx context.Context, args []string) int {
	fs := c.flagSet("list")
	phase := fs.String("phase", "", "filter by phase")
	member := fs.String("member", "", "filter by member address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	query := url.Values{}
	if v := strings.TrimSpace(*phase); v != "" {
		query.Set("phase", v)
	}
	if v := strings.TrimSpace(*member); v != "" {
		query.Set("member", v)
	}
	return c.send(ctx, http.MethodGet, "/v1/escrows", nil, requestOptions{query: query})
}

func (c *cli) runEvents(ctx context.Context, args []string) int {
	fs := c.flagSet("events")
	id := fs.String("id", "", "escrow identifier")
	parquetOut := fs.String("parquet", "", "write events as Parquet to this file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*id) == "" {
		return c.fail("-id is required")
	}
	if strings.TrimSpace(*parquetOut) == "" {
		return c.runSimple(ctx, escrowPath(*id, "events"))
	}
	opts := requestOptions{query: url.Values{"format": {"parquet"}}, accept: "application/vnd.apache.parquet"}
	raw, err := c.client.fetch(ctx, http.MethodGet, escrowPath(*id, "events"), nil, opts)
	if err != nil {
		return c.failRequest(err)
	}
	if err := os.WriteFile(*parquetOut, raw, 0o644); err != nil {
		return c.fail("write %s: %v", *parquetOut, err)
	}
	fmt.Fprintf(c.stdout, "wrote %d bytes to %s\n", len(raw), *parquetOut)
	return 0
}

func (c *cli) runCredit(ctx context.Context, args []string) int {
	fs := c.flagSet("credit")
	account := fs.String("account", "", "account address")
	asset := fs.String("asset", "native", "asset to credit")
	amount := fs.String("amount", "", "amount in base units")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*account) == "" || strings.TrimSpace(*amount) == "" {
		return c.fail("-account and -amount are required")
	}
	body := map[string]string{"account": strings.TrimSpace(*account), "asset": *asset, "amount": strings.TrimSpace(*amount)}
	return c.send(ctx, http.MethodPost, "/v1/bank/credit", body, requestOptions{idempotencyKey: *idemKey})
}

func (c *cli) runBalances(ctx context.Context, args []string) int {
	fs := c.flagSet("balances")
	account := fs.String("account", "", "account address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*account) == "" {
		return c.fail("-account is required")
	}
	return c.runSimple(ctx, "/v1/bank/balances/"+url.PathEscape(strings.TrimSpace(*account)))
}

func (c *cli) runToken(args []string) int {
	def := config.Default()
	fs := c.flagSet("token")
	subject := fs.String("subject", "", "caller address embedded as the token subject")
	scopes := fs.String("scopes", "", "comma separated scopes")
	issuer := fs.String("issuer", def.Auth.Issuer, "token issuer")
	audience := fs.String("audience", def.Auth.Audience, "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	caller, err := crypto.ParseAddress(*subject)
	if err != nil {
		return c.fail("invalid -subject: %v", err)
	}
	secretValue, err := secret.NewSource(config.EnvAuthSecret, "token secret").Get()
	if err != nil {
		return c.fail("%v", err)
	}
	var scopeList []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopeList = append(scopeList, scope)
		}
	}
	token, err := escrowd.IssueToken(secretValue, *issuer, *audience, caller, scopeList, *ttl, time.Now())
	if err != nil {
		return c.fail("issue token: %v", err)
	}
	fmt.Fprintln(c.stdout, token)
	return 0
}

func (c *cli) runKeygen() int {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return c.fail("generate key: %v", err)
	}
	return c.printJSON(map[string]string{
		"privateKey": key.Hex(),
		"address":    crypto.FormatAddress(key.Identity()),
	})
}

func (c *cli) runSimple(ctx context.Context, path string) int {
	return c.send(ctx, http.MethodGet, path, nil, requestOptions{})
}

func (c *cli) send(ctx context.Context, method, path string, body any, opts requestOptions) int {
	var out json.RawMessage
	if err := c.client.call(ctx, method, path, body, opts, &out); err != nil {
		return c.failRequest(err)
	}
	return c.printJSON(out)
}

func (c *cli) printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return c.fail("print response: %v", err)
	}
	fmt.Fprintln(c.stdout, string(data))
	return 0
}

func usage() string {
	return `escrowctl usage:
  escrowctl [-server URL] [-token JWT] [-caller ADDR] <command> [options]

Commands:
  create -f config.yaml [-nonce N]       Create an escrow instance
  deposit -id ID -amount X [-asset A]    Deposit into an escrow
  confirm|dispute|force-refund -id ID    Submit a participant or timeout action
  resolve -id ID -outcome release|refund Mediator resolution
  withdraw -id ID [-asset A]             Withdraw an allocated balance
  get -id ID                             Show an escrow
  list [-phase P] [-member ADDR]         List escrows
  summary                                Count escrows per phase
  events -id ID [-parquet FILE]          Show or export the event journal
  credit -account ADDR -amount X         Credit a bank account (admin)
  balances -account ADDR                 Show bank balances
  token -subject ADDR [-scopes S]        Mint a bearer token from ESCROWD_AUTH_SECRET
  keygen                                 Generate a key and its address`
}
