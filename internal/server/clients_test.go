package server

import "testing"

func TestClientLifecycle(t *testing.T) {
	t.Parallel()

	var c clientTable

	if c.isConnected(3) {
		t.Fatal("fresh table reports client connected")
	}

	c.setConnected(3)

	if !c.isConnected(3) || c.isClosing(3) {
		t.Error("connected client in wrong state")
	}

	c.setDisconnected(3)

	if c.isConnected(3) || !c.isClosing(3) || !c.hasPendingCloses() {
		t.Error("disconnecting client in wrong state")
	}

	c.setClosed(3)

	if c.isConnected(3) || c.isClosing(3) || c.hasPendingCloses() {
		t.Error("closed client in wrong state")
	}
}

func TestClientStatesAreIndependent(t *testing.T) {
	t.Parallel()

	var c clientTable

	c.setConnected(0)
	c.setConnected(31)
	c.setDisconnected(31)

	if !c.isConnected(0) {
		t.Error("client 0 lost connection state")
	}

	if !c.isClosing(31) {
		t.Error("client 31 lost closing state")
	}
}

func TestPendingRecvIsTakenOnce(t *testing.T) {
	t.Parallel()

	var c clientTable

	c.setConnected(5)
	c.setPendingRecv(5)

	if !c.takePendingRecv(5) {
		t.Fatal("pending recv not observed")
	}

	if c.takePendingRecv(5) {
		t.Error("pending recv observed twice")
	}
}

func TestConnectClearsStaleFlags(t *testing.T) {
	t.Parallel()

	var c clientTable

	c.setConnected(7)
	c.setPendingRecv(7)
	c.setDisconnected(7)

	// The slot is reused by a fresh connection before the close settles.
	c.setConnected(7)

	if c.isClosing(7) || c.takePendingRecv(7) {
		t.Error("reused slot inherited stale flags")
	}
}
