package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"emberdb/config"
	"emberdb/journal"
	"emberdb/proactor"
	"emberdb/protocol"
	"emberdb/replication"
	"emberdb/store"
)

// setupCDCTestEnv is like setupTestEnv but wires a journal.Facade/proactor.Pool
// into the server, since CDC/replica streaming reads entries recorded by
// handleCommit's post-commit journalCommit call.
func setupCDCTestEnv(t *testing.T) (string, *Server) {
	t.Helper()
	dir, err := os.MkdirTemp("", "emberdb-cdc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	certsDir := filepath.Join(dir, "certs")
	if err := os.MkdirAll(certsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := config.GenerateConfigArtifacts(dir, config.Config{
		TLSCertFile:        "certs/server.crt",
		TLSKeyFile:         "certs/server.key",
		TLSCAFile:          "certs/ca.crt",
		NumberOfPartitions: 3,
	}, filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("Failed to generate artifacts: %v", err)
	}

	numShards := 4
	pool := proactor.NewPool(numShards)
	t.Cleanup(pool.Stop)
	facade := journal.NewFacade(pool, 4096, 64*1024*1024)
	pool.RunOnAll(func(sh *proactor.Shard) { facade.StartInThread(sh.ID()) })

	stores := make(map[string]*store.Store)
	for i := 0; i < numShards; i++ {
		dbName := strconv.Itoa(i)
		s, err := store.NewStore(filepath.Join(dir, "data", dbName), logger)
		if err != nil {
			t.Fatal(err)
		}
		stores[dbName] = s
	}

	clientCert, err := tls.LoadX509KeyPair(filepath.Join(certsDir, "server.crt"), filepath.Join(certsDir, "server.key"))
	if err != nil {
		t.Fatal(err)
	}
	caCert, err := os.ReadFile(filepath.Join(certsDir, "ca.crt"))
	if err != nil {
		t.Fatal(err)
	}
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(caCert)
	tlsConf := &tls.Config{Certificates: []tls.Certificate{clientCert}, RootCAs: certPool, InsecureSkipVerify: true}

	rm := replication.NewReplicationManager(stores, tlsConf, logger)

	srv, err := NewServer(
		":0", stores, logger, 10, protocol.MaxTxDuration,
		filepath.Join(certsDir, "server.crt"),
		filepath.Join(certsDir, "server.key"),
		filepath.Join(certsDir, "ca.crt"),
		rm, facade, pool,
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(srv.CloseAll)

	return dir, srv
}

func writeKeyVal(t *testing.T, client *testClient, key, val string) {
	t.Helper()
	client.AssertStatus(protocol.OpCodeBegin, nil, protocol.ResStatusOK)
	client.AssertStatus(protocol.OpCodeSet, setPayload([]byte(key), []byte(val)), protocol.ResStatusOK)
	client.AssertStatus(protocol.OpCodeCommit, nil, protocol.ResStatusOK)
}

func sendReplHello(t *testing.T, conn *tls.Conn, dbName string, startSeq uint64) {
	t.Helper()
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(1)) // Version
	binary.Write(buf, binary.BigEndian, uint32(1)) // DB count
	binary.Write(buf, binary.BigEndian, uint32(len(dbName)))
	buf.WriteString(dbName)
	binary.Write(buf, binary.BigEndian, startSeq)

	header := make([]byte, 5)
	header[0] = protocol.OpCodeReplHello
	binary.BigEndian.PutUint32(header[1:], uint32(buf.Len()))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write hello header: %v", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("write hello body: %v", err)
	}
}

func readCDCBatch(t *testing.T, conn *tls.Conn) []byte {
	t.Helper()
	header := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read batch header: %v", err)
	}
	if header[0] != protocol.OpCodeReplBatch {
		t.Fatalf("expected OpCodeReplBatch, got 0x%x", header[0])
	}
	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read batch payload: %v", err)
	}
	return payload
}

// TestCDC_Streaming_WithIdle verifies that a CDC client receives committed
// writes as replBatch records, before and after an idle period.
func TestCDC_Streaming_WithIdle(t *testing.T) {
	dir, srv := setupCDCTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	addr := srv.listener.Addr().String()
	clientTLS := getClientTLS(t, dir)

	cdcConn, err := tls.Dial("tcp", addr, clientTLS)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer cdcConn.Close()
	sendReplHello(t, cdcConn, "1", 0)

	client := connectClient(t, addr, clientTLS)
	defer client.Close()
	client.AssertStatus(protocol.OpCodeSelect, []byte("1"), protocol.ResStatusOK)
	writeKeyVal(t, client, "cdc_key_1", "val_1")

	payload := readCDCBatch(t, cdcConn)
	if !bytes.Contains(payload, []byte("cdc_key_1")) {
		t.Errorf("Expected 'cdc_key_1' in batch, got: %q", payload)
	}

	time.Sleep(200 * time.Millisecond)

	writeKeyVal(t, client, "cdc_key_2", "val_2")
	payload2 := readCDCBatch(t, cdcConn)
	if !bytes.Contains(payload2, []byte("cdc_key_2")) {
		t.Errorf("Expected 'cdc_key_2' in batch after idle, got: %q", payload2)
	}
}

// TestCDC_MessageContent verifies the wire layout of replBatch entries for
// both Set and Delete ops.
func TestCDC_MessageContent(t *testing.T) {
	dir, srv := setupCDCTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	addr := srv.listener.Addr().String()
	clientTLS := getClientTLS(t, dir)

	cdcConn, err := tls.Dial("tcp", addr, clientTLS)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer cdcConn.Close()
	sendReplHello(t, cdcConn, "1", 0)

	client := connectClient(t, addr, clientTLS)
	defer client.Close()
	client.AssertStatus(protocol.OpCodeSelect, []byte("1"), protocol.ResStatusOK)

	writeKeyVal(t, client, "test_key", "test_val")
	client.AssertStatus(protocol.OpCodeBegin, nil, protocol.ResStatusOK)
	client.AssertStatus(protocol.OpCodeDel, []byte("test_key"), protocol.ResStatusOK)
	client.AssertStatus(protocol.OpCodeCommit, nil, protocol.ResStatusOK)

	foundSet, foundDel := false, false
	deadline := time.Now().Add(5 * time.Second)

	for !foundSet || !foundDel {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for CDC events")
		}
		payload := readCDCBatch(t, cdcConn)

		cursor := 0
		if cursor+4 > len(payload) {
			continue
		}
		dbLen := int(binary.BigEndian.Uint32(payload[cursor:]))
		cursor += 4 + dbLen
		if cursor+4 > len(payload) {
			continue
		}
		count := int(binary.BigEndian.Uint32(payload[cursor:]))
		cursor += 4

		for i := 0; i < count; i++ {
			if cursor+17 > len(payload) {
				break
			}
			opType := payload[cursor+16]
			cursor += 17

			if cursor+4 > len(payload) {
				break
			}
			kLen := int(binary.BigEndian.Uint32(payload[cursor:]))
			cursor += 4
			key := string(payload[cursor : cursor+kLen])
			cursor += kLen

			if cursor+4 > len(payload) {
				break
			}
			vLen := int(binary.BigEndian.Uint32(payload[cursor:]))
			cursor += 4
			val := string(payload[cursor : cursor+vLen])
			cursor += vLen

			if key == "test_key" {
				if opType == protocol.OpJournalSet {
					if val == "test_val" {
						foundSet = true
					} else {
						t.Errorf("Set event for 'test_key' has wrong value: %s", val)
					}
				} else if opType == protocol.OpJournalDelete {
					foundDel = true
				}
			}
		}
	}

	if !foundSet {
		t.Error("Did not receive Set event for 'test_key'")
	}
	if !foundDel {
		t.Error("Did not receive Delete event for 'test_key'")
	}
}
