// Command bridge_flow exercises a plugin frame's lifecycle against a
// running Newgate gateway.
//
// It dials the bridge relay as the plugin frame, performs the handshake,
// issues an api.request through the Sandbox Gateway and checks that an
// unknown capability is rejected.
//
// Usage: bridge_flow -gateway ws://127.0.0.1:PORT/api/bridge/PLUGIN -cookie newgate_session=TOKEN -frame-origin https://plugin.example
//
// Exit codes:
//
//	0 = all checks passed
//	1 = a check failed
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	wsclient "github.com/dohr-michael/newgate/clients/ws"
	"github.com/dohr-michael/newgate/internal/bridge"
)

func main() {
	gatewayURL := flag.String("gateway", "ws://127.0.0.1:18420/api/bridge/demo-app", "Bridge relay WS URL")
	cookie := flag.String("cookie", "", "Session cookie (name=value), see `newgate session create`")
	frameOrigin := flag.String("frame-origin", "null", "Origin reported for the plugin frame")
	appOrigin := flag.String("app-origin", "http://localhost:18420", "Shell application origin")
	frameToken := flag.String("frame-token", "", "Frame token for opaque origins")
	endpoint := flag.String("endpoint", "projects", "Sandbox endpoint requested through api.request")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := wsclient.Options{
		URL:         *gatewayURL,
		FrameOrigin: *frameOrigin,
		AppOrigin:   *appOrigin,
		Cookie:      *cookie,
		FrameToken:  *frameToken,
	}
	if err := run(ctx, opts, *endpoint); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts wsclient.Options, endpoint string) error {
	// ── Step 1: Connect and handshake ───────────────────────────────────
	client, err := wsclient.Dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	raw, err := client.Call(ctx, bridge.CapHandshake, nil)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	var hs bridge.HandshakeResult
	if err := json.Unmarshal(raw, &hs); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if hs.Version != bridge.ProtocolVersion {
		return fmt.Errorf("protocol version %q, want %q", hs.Version, bridge.ProtocolVersion)
	}
	fmt.Printf("CHECK handshake: plugin=%s capabilities=%v\n", hs.PluginID, hs.Capabilities)

	// ── Step 2: Reach the Sandbox Gateway ───────────────────────────────
	raw, err = client.Call(ctx, bridge.CapAPIRequest, bridge.APIRequest{Endpoint: endpoint})
	if err != nil {
		var be *bridge.Error
		if errors.As(err, &be) {
			return fmt.Errorf("api.request %s: %s (%s)", endpoint, be.Message, be.Code)
		}
		return fmt.Errorf("api.request %s: %w", endpoint, err)
	}
	fmt.Printf("CHECK api.request %s returned %d bytes\n", endpoint, len(raw))

	// ── Step 3: Unknown capabilities are refused ────────────────────────
	_, err = client.Call(ctx, "bridge_flow.unknown", nil)
	var be *bridge.Error
	if !errors.As(err, &be) || be.Code != bridge.CodeUnknownCapability {
		return fmt.Errorf("unknown capability: expected %s, got %v", bridge.CodeUnknownCapability, err)
	}
	fmt.Println("CHECK unknown capability rejected")

	fmt.Println("CHECK all flow checks passed")
	return nil
}
