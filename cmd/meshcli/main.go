package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/config"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesh"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A .env next to the binary is a convenience, not a requirement.
	_ = godotenv.Load()

	switch os.Args[1] {
	case "send":
		cmdSend()
	case "task":
		cmdTask()
	case "rooms":
		cmdRooms()
	case "listen":
		cmdListen()
	case "register":
		cmdRegister()
	case "version":
		fmt.Printf("meshcli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Mesh client CLI v` + version + `

Usage: meshcli <command> [flags]

Commands:
  send       Send a chat message to a room
  task       Create a task and optionally wait for the response
  rooms      List the rooms this client is subscribed to
  listen     Stream client events as JSON lines
  register   Register this client as an agent
  version    Print version
  help       Show this help

Flags (all commands):
  --profile-file <path>   Profile YAML (default: meshcli.yaml)
  --profile <name>        Named profile inside the file
  --url <ws-url>          Override the endpoint

Environment:
  MESH_WS_URL              Endpoint (overrides the profile)
  MESH_PRIVATE_KEY         Hex signing key; enables authentication
  MESH_KEYSTORE_FILE       Encrypted keystore, alternative to MESH_PRIVATE_KEY
  MESH_KEYSTORE_PASSPHRASE Passphrase for the keystore
  MESH_WALLET_ADDRESS      Expected signer address
  MESH_ROOMS               Comma-separated rooms to join on connect
  MESH_WEBHOOK_URL         Forward events to this webhook
  MESH_LOG_LEVEL           debug|info|warn|error (default: warn)

Examples:
  meshcli send --room lobby --text "hello"
  meshcli task --room jobs --content "summarize the build log" --wait 60
  meshcli listen --events message:received,task:created
  MESH_PROFILE=agent meshcli register --caps summarize,translate`)
}

// ----------------------------------------------------------------
// send command
// ----------------------------------------------------------------

func cmdSend() {
	var room, text string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--room", "-r":
			i++
			if i < len(args) {
				room = args[i]
			}
		case "--text", "-t":
			i++
			if i < len(args) {
				text = args[i]
			}
		}
	}

	if room == "" || text == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshcli send --room <room> --text <text>")
		os.Exit(1)
	}

	client := connect(buildProfile(args))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.SendMessage(ctx, room, text); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Send failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Sent to %s\n", room)
}

// ----------------------------------------------------------------
// task command
// ----------------------------------------------------------------

func cmdTask() {
	var room, content string
	var wait int

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--room", "-r":
			i++
			if i < len(args) {
				room = args[i]
			}
		case "--content", "-c":
			i++
			if i < len(args) {
				content = args[i]
			}
		case "--wait", "-w":
			i++
			if i < len(args) {
				wait, _ = strconv.Atoi(args[i])
			}
		}
	}

	if room == "" || content == "" {
		fmt.Fprintln(os.Stderr, "Usage: meshcli task --room <room> --content <text> [--wait <seconds>]")
		os.Exit(1)
	}

	client := connect(buildProfile(args))
	defer client.Close()

	// Subscribe before creating so a fast response cannot slip past.
	var responses <-chan *events.Event
	if wait > 0 {
		responses = client.Events(events.TypeAgentResponse)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	taskID, err := client.CreateTask(ctx, room, content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Task failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Task created: %s\n", taskID)

	if wait <= 0 {
		return
	}

	deadline := time.After(time.Duration(wait) * time.Second)
	for {
		select {
		case ev, ok := <-responses:
			if !ok {
				return
			}
			if ev.Data["task_id"] != taskID {
				continue
			}
			printEvent(ev)
			return
		case <-deadline:
			fmt.Fprintf(os.Stderr, "⏳ No response within %ds\n", wait)
			os.Exit(1)
		}
	}
}

// ----------------------------------------------------------------
// rooms command
// ----------------------------------------------------------------

func cmdRooms() {
	client := connect(buildProfile(os.Args[2:]))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rooms, err := client.ListRooms(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ List failed: %v\n", err)
		os.Exit(1)
	}

	if len(rooms) == 0 {
		fmt.Println("No room subscriptions.")
		return
	}
	for _, r := range rooms {
		fmt.Println(r)
	}
}

// ----------------------------------------------------------------
// listen command
// ----------------------------------------------------------------

func cmdListen() {
	var typeList string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--events", "-e":
			i++
			if i < len(args) {
				typeList = args[i]
			}
		}
	}

	var types []events.Type
	if typeList != "" {
		for _, s := range strings.Split(typeList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				types = append(types, events.Type(s))
			}
		}
	}

	client := connect(buildProfile(args))
	defer client.Close()

	stream := client.Events(types...)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	fmt.Fprintf(os.Stderr, "Listening as %s (Ctrl-C to stop)\n", client.Address())
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			printEvent(ev)
		case <-sig:
			return
		}
	}
}

// ----------------------------------------------------------------
// register command
// ----------------------------------------------------------------

func cmdRegister() {
	var name, caps string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--caps":
			i++
			if i < len(args) {
				caps = args[i]
			}
		}
	}

	p := buildProfile(args)
	if name != "" {
		p.AgentName = name
	}
	if caps != "" {
		p.Capabilities = nil
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Capabilities = append(p.Capabilities, c)
			}
		}
	}
	if p.ClientType == "" {
		p.ClientType = string(mesh.ClientAgent)
	}

	client := connect(p)
	defer client.Close()

	registered := client.Events(events.TypeAgentRegistered)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.RegisterAgent(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Registration failed: %v\n", err)
		os.Exit(1)
	}

	select {
	case ev, ok := <-registered:
		if ok {
			fmt.Printf("✅ Registered: %v\n", ev.Data["name"])
		}
	case <-time.After(10 * time.Second):
		fmt.Println("Registration sent; no confirmation within 10s")
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

// buildProfile resolves the profile file, overlays MESH_* variables and
// applies the shared flags.
func buildProfile(args []string) *config.Profile {
	file := os.Getenv("MESH_PROFILE_FILE")
	if file == "" {
		file = "meshcli.yaml"
	}
	name := os.Getenv("MESH_PROFILE")
	var url string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--profile-file":
			i++
			if i < len(args) {
				file = args[i]
			}
		case "--profile", "-p":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--url", "-u":
			i++
			if i < len(args) {
				url = args[i]
			}
		}
	}

	p, err := config.Resolve(file, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Profile error: %v\n", err)
		os.Exit(1)
	}
	config.FromEnv(p)
	if url != "" {
		p.WSURL = url
	}
	return p
}

func connect(p *config.Profile) *mesh.Client {
	client, err := mesh.New(clientConfig(p))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Client error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		client.Close()
		fmt.Fprintf(os.Stderr, "❌ Connect failed: %v\n", err)
		os.Exit(1)
	}
	return client
}

func clientConfig(p *config.Profile) mesh.Config {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if p.LogLevel != "" {
		if level, err := logrus.ParseLevel(p.LogLevel); err == nil {
			log.SetLevel(level)
		}
	}

	cfg := mesh.Config{
		WSURL:         p.WSURL,
		PrivateKey:    os.Getenv("MESH_PRIVATE_KEY"),
		WalletAddress: p.WalletAddress,
		ClientType:    mesh.ClientType(p.ClientType),
		AgentName:     p.AgentName,
		Capabilities:  p.Capabilities,
		AutoJoinRooms: p.AutoJoinRooms,
		Logger:        log,

		ConnectionTimeout: ms(p.Timeouts.ConnectMs),
		MessageTimeout:    ms(p.Timeouts.MessageMs),

		DisableReconnect:     p.Reconnect.Disable,
		ReconnectDelay:       ms(p.Reconnect.DelayMs),
		MaxReconnectDelay:    ms(p.Reconnect.MaxDelayMs),
		MaxReconnectAttempts: p.Reconnect.MaxAttempts,
		ReconnectStrategy:    mesh.RetryStrategy(p.Reconnect.Strategy),

		MaxMessagesPerSecond: p.Rate.MessagesPerSecond,
		SendBurst:            p.Rate.Burst,

		EnableMessageDeduplication: p.Dedup.Enable,
		MessageDedupeTTL:           ms(p.Dedup.TTLMs),
		MessageDedupeMaxSize:       p.Dedup.MaxSize,

		ValidateSignatures:        p.Signatures.Validate,
		StrictSignatureValidation: p.Signatures.Strict,
		TrustedAgentAddresses:     p.Signatures.Trusted,
		RequireSignaturesFor:      frameKinds(p.Signatures.RequireFor),

		WebhookURL:            p.Webhook.URL,
		WebhookSecret:         p.Webhook.Secret,
		WebhookHeaders:        p.Webhook.Headers,
		WebhookEvents:         webhookEvents(p.Webhook.Events),
		WebhookRetries:        p.Webhook.Retries,
		WebhookTimeout:        ms(p.Webhook.TimeoutMs),
		WebhookRetryStrategy:  mesh.RetryStrategy(p.Webhook.Strategy),
		AllowInsecureWebhooks: p.Webhook.AllowInsecure,
	}

	if path := os.Getenv("MESH_KEYSTORE_FILE"); path != "" && cfg.PrivateKey == "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Keystore error: %v\n", err)
			os.Exit(1)
		}
		key, err := mesh.OpenKeystore(blob, os.Getenv("MESH_KEYSTORE_PASSPHRASE"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Keystore error: %v\n", err)
			os.Exit(1)
		}
		cfg.Key = key
	}
	return cfg
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func frameKinds(names []string) []wire.Kind {
	out := make([]wire.Kind, 0, len(names))
	for _, n := range names {
		out = append(out, wire.Kind(n))
	}
	return out
}

func webhookEvents(names []string) []mesh.WebhookEvent {
	out := make([]mesh.WebhookEvent, 0, len(names))
	for _, n := range names {
		out = append(out, mesh.WebhookEvent(n))
	}
	return out
}

func printEvent(ev *events.Event) {
	line := struct {
		*events.Event
		Error string `json:"error,omitempty"`
	}{Event: ev}
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}
	b, err := json.Marshal(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Encode failed: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
