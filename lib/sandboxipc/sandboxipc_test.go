// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/testutil"
)

func TestFrameRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	sender, receiver := NewChannel(left), NewChannel(right)
	defer sender.Close()
	defer receiver.Close()

	call := SystemCall{
		Op:   OpCallPerform,
		Call: &engine.Call{Callee: "ledger", Method: "transfer", Payload: []byte{1, 2}, Cycles: 50},
	}
	sent := make(chan error, 1)
	go func() { sent <- sender.SendMessage(KindSystemCall, 7, call) }()

	frame, err := receiver.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := testutil.RequireReceive(t, sent, 5*time.Second, "send"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if frame.Kind != KindSystemCall || frame.ID != 7 {
		t.Fatalf("frame = %s/%d, want %s/7", frame.Kind, frame.ID, KindSystemCall)
	}
	var decoded SystemCall
	if err := frame.Decode(KindSystemCall, &decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Op != OpCallPerform || decoded.Call == nil || decoded.Call.Cycles != 50 ||
		!bytes.Equal(decoded.Call.Payload, []byte{1, 2}) {
		t.Errorf("decoded = %+v (call %+v)", decoded, decoded.Call)
	}
	if err := frame.Decode(KindReply, &decoded); err == nil {
		t.Error("Decode with the wrong kind succeeded")
	}
}

func TestReceiveAfterPeerCloseIsDisconnected(t *testing.T) {
	left, right := net.Pipe()
	receiver := NewChannel(right)
	left.Close()

	_, err := receiver.Receive()
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Receive after close = %v, want ErrDisconnected", err)
	}
}

func TestReceiveRejectsOversizedFrame(t *testing.T) {
	left, right := net.Pipe()
	receiver := NewChannel(right)
	defer receiver.Close()
	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
		left.Write(prefix[:])
		left.Close()
	}()

	_, err := receiver.Receive()
	if err == nil || errors.Is(err, ErrDisconnected) {
		t.Fatalf("Receive = %v, want a size error", err)
	}
}

func TestDescriptorPassing(t *testing.T) {
	controller, worker, err := NewLocalPair()
	if err != nil {
		t.Fatalf("NewLocalPair: %v", err)
	}
	defer controller.Close()
	defer worker.Close()

	region, err := CreateSharedMemory("canister-test", 8192)
	if err != nil {
		t.Fatalf("CreateSharedMemory: %v", err)
	}
	if _, err := region.WriteAt([]byte("heap content"), 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := controller.Descriptors.Send(42, region); err != nil {
		t.Fatalf("Send: %v", err)
	}
	region.Close()

	id, received, err := worker.Descriptors.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	defer received.Close()
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	info, err := received.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 8192 {
		t.Errorf("size = %d, want 8192", info.Size())
	}
	buffer := make([]byte, 12)
	if _, err := received.ReadAt(buffer, 4096); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buffer) != "heap content" {
		t.Errorf("content = %q", buffer)
	}
	zeros := make([]byte, 16)
	if _, err := received.ReadAt(zeros, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(zeros, make([]byte, 16)) {
		t.Errorf("unwritten region is not zero: %v", zeros)
	}
}

func TestLocalPairCarriesFramesBothWays(t *testing.T) {
	controller, worker, err := NewLocalPair()
	if err != nil {
		t.Fatalf("NewLocalPair: %v", err)
	}
	defer controller.Close()

	if err := controller.Messages.SendMessage(KindExecute, 1, ExecuteRequest{Entry: "run", HeapPages: 2}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	frame, err := worker.Messages.Receive()
	if err != nil {
		t.Fatalf("worker Receive: %v", err)
	}
	var request ExecuteRequest
	if err := frame.Decode(KindExecute, &request); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if request.Entry != "run" || request.HeapPages != 2 {
		t.Errorf("request = %+v", request)
	}

	if err := worker.Messages.SendMessage(KindReply, 1, ExecuteReply{Status: StatusCompleted}); err != nil {
		t.Fatalf("worker SendMessage: %v", err)
	}
	if _, err := controller.Messages.Receive(); err != nil {
		t.Fatalf("controller Receive: %v", err)
	}

	worker.Close()
	if _, err := controller.Messages.Receive(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Receive after worker close = %v, want ErrDisconnected", err)
	}
	if _, _, err := controller.Descriptors.Receive(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("descriptor Receive after worker close = %v, want ErrDisconnected", err)
	}
}

func TestChildFilesOrder(t *testing.T) {
	endpoint, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer endpoint.Close()
	defer child.Close()

	files := child.ExtraFiles()
	if len(files) != 2 || files[0] != child.Messages || files[1] != child.Descriptors {
		t.Fatalf("ExtraFiles = %v", files)
	}
	// ExtraFiles[i] becomes fd 3+i in the child.
	if MessageFD != 3 || DescriptorFD != 4 {
		t.Errorf("inherited descriptors are %d and %d", MessageFD, DescriptorFD)
	}
}

func TestDisconnectedClassification(t *testing.T) {
	for _, err := range []error{io.EOF, io.ErrUnexpectedEOF, net.ErrClosed, os.ErrClosed} {
		wrapped := disconnected(err)
		want := err != os.ErrClosed
		if errors.Is(wrapped, ErrDisconnected) != want {
			t.Errorf("disconnected(%v) matches ErrDisconnected = %v, want %v", err, !want, want)
		}
	}
	if disconnected(nil) != nil {
		t.Error("disconnected(nil) != nil")
	}
}

func TestChannelOverNamedSocket(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), testutil.UniqueID("worker")+".sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := NewChannel(testutil.RequireReceive(t, accepted, 5*time.Second, "accepting connection"))
	defer server.Close()
	worker := NewChannel(client)

	if err := worker.SendMessage(KindShutdown, 1, nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	frame, err := server.Receive()
	if err != nil || frame.Kind != KindShutdown || frame.ID != 1 {
		t.Fatalf("Receive = %+v, %v", frame, err)
	}
	worker.Close()
	if _, err := server.Receive(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Receive after close = %v, want ErrDisconnected", err)
	}
}

func TestReplyDirtyPagesTravelInRegion(t *testing.T) {
	controller, worker, err := NewLocalPair()
	if err != nil {
		t.Fatalf("NewLocalPair: %v", err)
	}
	defer controller.Close()
	defer worker.Close()

	first := bytes.Repeat([]byte{1}, pagemap.PageSize)
	second := bytes.Repeat([]byte{2}, pagemap.PageSize)
	sent := ExecuteReply{
		Status:     StatusCompleted,
		Output:     []byte("done"),
		DirtyPages: []DirtyPage{{Index: 3, Data: first}, {Index: 900, Data: second}},
	}
	if err := worker.SendReply(5, sent); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	frame, err := controller.Messages.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var reply ExecuteReply
	if err := frame.Decode(KindReply, &reply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(reply.DirtyPages) != 0 || reply.DirtyRegion != 5 || reply.DirtyCount != 2 {
		t.Fatalf("frame carries pages %d, region %d, count %d", len(reply.DirtyPages), reply.DirtyRegion, reply.DirtyCount)
	}
	if err := controller.ReceiveDirtyPages(&reply); err != nil {
		t.Fatalf("ReceiveDirtyPages: %v", err)
	}
	if len(reply.DirtyPages) != 2 {
		t.Fatalf("dirty pages = %d, want 2", len(reply.DirtyPages))
	}
	if reply.DirtyPages[0].Index != 3 || !bytes.Equal(reply.DirtyPages[0].Data, first) {
		t.Errorf("first page = index %d, wrong content", reply.DirtyPages[0].Index)
	}
	if reply.DirtyPages[1].Index != 900 || !bytes.Equal(reply.DirtyPages[1].Data, second) {
		t.Errorf("second page = index %d, wrong content", reply.DirtyPages[1].Index)
	}
	if string(reply.Output) != "done" {
		t.Errorf("output = %q, want %q", reply.Output, "done")
	}
}

func TestReplyWithoutDirtyPagesSendsNoRegion(t *testing.T) {
	controller, worker, err := NewLocalPair()
	if err != nil {
		t.Fatalf("NewLocalPair: %v", err)
	}
	defer controller.Close()
	defer worker.Close()

	if err := worker.SendReply(1, ExecuteReply{Status: StatusTrapped}); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	frame, err := controller.Messages.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var reply ExecuteReply
	if err := frame.Decode(KindReply, &reply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := controller.ReceiveDirtyPages(&reply); err != nil {
		t.Fatalf("ReceiveDirtyPages: %v", err)
	}
	if reply.DirtyPages != nil {
		t.Errorf("dirty pages = %v, want none", reply.DirtyPages)
	}
}

func TestDirtyRegionSmallerThanCountIsRejected(t *testing.T) {
	region, err := CreateSharedMemory("canister-test", dirtyRecordSize)
	if err != nil {
		t.Fatalf("CreateSharedMemory: %v", err)
	}
	defer region.Close()
	if _, err := readDirtyRegion(region, 2); err == nil {
		t.Fatal("readDirtyRegion accepted a count larger than the region")
	}
}

func TestOversizedFrameLeavesChannelUsable(t *testing.T) {
	controller, worker, err := NewLocalPair()
	if err != nil {
		t.Fatalf("NewLocalPair: %v", err)
	}
	defer controller.Close()
	defer worker.Close()

	huge := ExecuteReply{Status: StatusCompleted, Output: make([]byte, MaxFrameSize)}
	if err := worker.SendReply(1, huge); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("SendReply error = %v, want ErrFrameTooLarge", err)
	}
	if err := worker.Messages.SendMessage(KindReply, 2, ExecuteReply{Status: StatusCompleted}); err != nil {
		t.Fatalf("SendMessage after oversized frame: %v", err)
	}
	frame, err := controller.Messages.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if frame.ID != 2 {
		t.Errorf("frame ID = %d, want 2", frame.ID)
	}
}
