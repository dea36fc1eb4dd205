package shm

import (
	"bytes"
	"testing"
)

func TestCreateAndBytes(t *testing.T) {
	m, err := Create("sndsrv-test", map[SectionKind]int64{
		SectionMBX:  64,
		SectionFIFO: 4096,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Detach()

	mbx := m.Bytes(SectionMBX)
	if len(mbx) != 64 {
		t.Fatalf("mbx section len = %d, want 64", len(mbx))
	}
	fifo := m.Bytes(SectionFIFO)
	if len(fifo) != 4096 {
		t.Fatalf("fifo section len = %d, want 4096", len(fifo))
	}

	copy(mbx, []byte("hello"))
	if !bytes.HasPrefix(m.Bytes(SectionMBX), []byte("hello")) {
		t.Fatal("write through Bytes() slice did not persist")
	}
}

func TestRefcountedDetach(t *testing.T) {
	m, err := Create("sndsrv-test-ref", map[SectionKind]int64{SectionMBX: 64})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Ref()
	if err := m.Detach(); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if m.closed {
		t.Fatal("map closed after only one of two Detach calls")
	}
	if err := m.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
	if !m.closed {
		t.Fatal("map not closed after matching Detach calls")
	}
}
