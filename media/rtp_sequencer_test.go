// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRTPExtendedSequenceNumberWrapping(t *testing.T) {
	seq := RTPExtendedSequenceNumber{seqNum: 1<<16 - 1}

	got := seq.NextSeqNumber()

	assert.Equal(t, uint16(0), got)
	assert.Equal(t, uint16(0), seq.seqNum)
}

func TestRTPExtendedSequenceNumberIncrements(t *testing.T) {
	seq := RTPExtendedSequenceNumber{seqNum: 41}

	assert.Equal(t, uint16(42), seq.NextSeqNumber())
	assert.Equal(t, uint16(43), seq.NextSeqNumber())
}
