// Copyright 2024 Fathom MQ Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"context"
	"fmt"

	"github.com/fathom-mq/amqp-session/internal/utils"
)

// NewChannelOpener returns a ready-to-use ChannelOpener.
func NewChannelOpener(s Sender, dispatcher *Dispatcher) *ChannelOpener {
	return &ChannelOpener{S: s, Dispatcher: dispatcher}
}

// ChannelOpener encapsulates the channel.open <-> channel.open-ok
// request/response cycle that establishes a Session's channel id before
// any other method may be sent on it. It plays the same role for a
// Session that the teacher's CONNECT <-> CONNECTED connector plays for
// an entire connection.
type ChannelOpener struct {
	S          Sender
	Dispatcher *Dispatcher // used to manage the request/response state
}

// Open sends channel.open for channelID and waits for channel.open-ok,
// context cancellation, or the connection closing, whichever comes
// first.
func (o *ChannelOpener) Open(ctx context.Context, channelID uint16) error {
	reqID := utils.NewMonotonicID(0).Next()

	resp, cancel, err := o.Dispatcher.RegisterReqID(reqID)
	if err != nil {
		return err
	}
	defer cancel()

	f := &Frame{
		Channel:   channelID,
		Class:     ClassChannel,
		Method:    ChannelOpen,
		RequestID: reqID,
	}
	if err := o.S.SendFrame(f); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-o.S.Closed():
		return fmt.Errorf("connection closed while opening channel %d", channelID)

	case reply := <-resp:
		if reply.Method != ChannelOpenOk {
			return fmt.Errorf("unexpected reply method %d to channel.open", reply.Method)
		}
		return nil
	}
}
