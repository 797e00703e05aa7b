// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hactar-net/hactar-go/pkg/transport/internal"
)

func startQUICServer(t *testing.T) (*QUICTransport, *channelDelegate, Remote) {
	t.Helper()

	dir := t.TempDir()
	cfg := Config{
		TLSCertFilename: filepath.Join(dir, "cert.pem"),
		TLSKeyFilename:  filepath.Join(dir, "key.pem"),
		Registerer:      prometheus.NewRegistry(),
	}
	if err := internal.WriteSelfSignedCertificate(cfg.TLSCertFilename, cfg.TLSKeyFilename, "localhost"); err != nil {
		t.Fatal(err)
	}

	delegate := newChannelDelegate()
	server, err := NewQUICTransport(Remote{HostOrIP: "127.0.0.1", Port: 0, Proto: QUIC}, cfg, delegate, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.Start(); err != nil {
		t.Fatal(err)
	}

	port := uint16(server.LocalAddr().(*net.UDPAddr).Port)
	return server, delegate, Remote{HostOrIP: "127.0.0.1", Port: port, Proto: QUIC}
}

func startQUICClient(t *testing.T, remote Remote) (*QUICTransport, *channelDelegate, ContextID) {
	t.Helper()

	delegate := newChannelDelegate()
	client, err := NewQUICTransport(remote, Config{Registerer: prometheus.NewRegistry()}, delegate, false)
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := client.Start()
	if err != nil {
		t.Fatal(err)
	}
	if ev := waitFor(t, delegate.statusCh, "client ready"); ev != (statusEvent{ctx, Ready}) {
		t.Fatalf("client reported %v", ev)
	}
	return client, delegate, ctx
}

func TestQUICTransportDatagrams(t *testing.T) {
	const packages = 50

	server, serverDelegate, remote := startQUICServer(t)
	defer server.Shutdown()

	client, clientDelegate, clientCtx := startQUICClient(t, remote)
	defer client.Shutdown()

	stream := client.CreateStream(clientCtx, false)
	if stream != datagramStreamID {
		t.Fatalf("unreliable stream is %d", stream)
	}

	conn := waitFor(t, serverDelegate.connCh, "new connection")

	for i := 0; i < packages; i++ {
		if err := client.Enqueue(clientCtx, stream, []byte{byte(i)}); err != NoError {
			t.Fatalf("Enqueue %d errored: %v", i, err)
		}
	}

	bufs := dequeueN(t, server, serverDelegate, streamKey{conn.contextID, datagramStreamID}, packages)
	for i, buf := range bufs {
		if !bytes.Equal(buf, []byte{byte(i)}) {
			t.Fatalf("datagram %d arrived as %v", i, buf)
		}
	}

	if err := server.Enqueue(conn.contextID, datagramStreamID, []byte("pong")); err != NoError {
		t.Fatal(err)
	}
	reply := dequeueN(t, client, clientDelegate, streamKey{clientCtx, datagramStreamID}, 1)
	if !bytes.Equal(reply[0], []byte("pong")) {
		t.Fatalf("reply is %q", reply[0])
	}
}

func TestQUICTransportReliableStream(t *testing.T) {
	server, serverDelegate, remote := startQUICServer(t)
	defer server.Shutdown()

	client, _, clientCtx := startQUICClient(t, remote)
	defer client.Shutdown()

	first := client.CreateStream(clientCtx, true)
	second := client.CreateStream(clientCtx, true)
	if first != firstReliableStreamID || second != firstReliableStreamID+reliableStreamIDStep {
		t.Fatalf("reliable streams are %d and %d", first, second)
	}

	var payloads [][]byte
	for i := 0; i < 5; i++ {
		payloads = append(payloads, bytes.Repeat([]byte{byte(i)}, 10000))
	}
	for _, payload := range payloads {
		if err := client.Enqueue(clientCtx, first, payload); err != NoError {
			t.Fatal(err)
		}
	}

	conn := waitFor(t, serverDelegate.connCh, "new connection")

	var serverStream streamKey
	for {
		serverStream = waitFor(t, serverDelegate.streamCh, "new stream")
		if serverStream.contextID == conn.contextID && serverStream.streamID != datagramStreamID {
			break
		}
	}

	bufs := dequeueN(t, server, serverDelegate, serverStream, len(payloads))
	for i := range payloads {
		if !bytes.Equal(bufs[i], payloads[i]) {
			t.Fatalf("payload %d differs", i)
		}
	}
}

func TestQUICTransportClose(t *testing.T) {
	server, serverDelegate, remote := startQUICServer(t)
	defer server.Shutdown()

	client, clientDelegate, clientCtx := startQUICClient(t, remote)
	defer client.Shutdown()

	conn := waitFor(t, serverDelegate.connCh, "new connection")

	client.Close(clientCtx)
	if ev := waitFor(t, clientDelegate.statusCh, "client disconnect"); ev != (statusEvent{clientCtx, Disconnected}) {
		t.Fatalf("client reported %v", ev)
	}
	if s := client.Status(); s != Disconnected {
		t.Fatalf("client status is %v", s)
	}
	if err := client.Enqueue(clientCtx, datagramStreamID, []byte{0}); err != InvalidContextID {
		t.Fatalf("Enqueue on a closed context: %v", err)
	}

	if ev := waitFor(t, serverDelegate.statusCh, "server side disconnect"); ev != (statusEvent{conn.contextID, Disconnected}) {
		t.Fatalf("server reported %v", ev)
	}
}

func TestQUICTransportInvalidIDs(t *testing.T) {
	server, _, remote := startQUICServer(t)
	defer server.Shutdown()

	client, _, ctx := startQUICClient(t, remote)
	defer client.Shutdown()

	if err := client.Enqueue(ctx+1, datagramStreamID, []byte{0}); err != InvalidContextID {
		t.Fatalf("unknown context: %v", err)
	}
	if err := client.Enqueue(ctx, 8, []byte{0}); err != InvalidStreamID {
		t.Fatalf("unknown stream: %v", err)
	}
	if _, ok := client.Dequeue(ctx, 8); ok {
		t.Fatal("Dequeue of an unknown stream returned data")
	}
}

func TestQUICServerRequiresCertificate(t *testing.T) {
	remote := Remote{HostOrIP: "127.0.0.1", Port: 0, Proto: QUIC}

	if _, err := NewServerTransport(remote, Config{}, newChannelDelegate()); !errors.Is(err, internal.ErrMissingCertificate) {
		t.Fatalf("server without certificate: %v", err)
	}

	cfg := Config{TLSCertFilename: "/nonexistent/cert.pem", TLSKeyFilename: "/nonexistent/key.pem"}
	if _, err := NewServerTransport(remote, cfg, newChannelDelegate()); err == nil {
		t.Fatal("server with missing certificate files was created")
	}
}

func TestQUICTransportServerShutdown(t *testing.T) {
	server, serverDelegate, remote := startQUICServer(t)

	client, clientDelegate, clientCtx := startQUICClient(t, remote)
	defer client.Shutdown()

	waitFor(t, serverDelegate.connCh, "new connection")

	if err := server.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if ev := waitFor(t, clientDelegate.statusCh, "client disconnect"); ev != (statusEvent{clientCtx, Disconnected}) {
		t.Fatalf("client reported %v", ev)
	}
}
