package node

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bardlex/kawpool/pkg/log"
)

func TestBlockHandler_HandleMessage(t *testing.T) {
	hash := bytes.Repeat([]byte{0x00}, 32)
	hash[31] = 0x2a

	tests := []struct {
		name     string
		topic    string
		data     []byte
		onBlock  error
		wantHash string
		wantErr  bool
	}{
		{
			name:     "hashblock",
			topic:    TopicHashBlock,
			data:     hash,
			wantHash: "000000000000000000000000000000000000000000000000000000000000002a",
		},
		{name: "short hashblock", topic: TopicHashBlock, data: []byte{1, 2, 3}, wantErr: true},
		{name: "callback error", topic: TopicHashBlock, data: hash, onBlock: errors.New("boom"), wantErr: true,
			wantHash: "000000000000000000000000000000000000000000000000000000000000002a"},
		{name: "rawblock ignored", topic: TopicRawBlock, data: []byte{1}},
		{name: "unknown topic", topic: "hashtx", data: hash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := NewBlockHandler(log.Nop(), func(blockHash string) error {
				got = blockHash
				return tt.onBlock
			})

			err := h.HandleMessage(tt.topic, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantHash {
				t.Errorf("OnBlock hash = %q, want %q", got, tt.wantHash)
			}
		})
	}
}
