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

// Package msg is the application-facing message object model: the inbound
// delivery envelope (real delivery or broker bounce, never both) and the
// properties carried on a content header. The field set is grounded on the
// AMQP 0-9-1 "properties" struct (see streadway/amqp's types.go in the
// example corpus) rather than invented from scratch.
package msg

import "time"

// Properties mirrors the AMQP content-header properties carried by every
// published or delivered message.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Delivery is a real inbound message delivered by the broker to a
// consumer.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  Properties
	Body        []byte
}

// Bounce is a broker-initiated "return" of an unroutable message
// published with the mandatory or immediate flag set.
type Bounce struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// Envelope wraps exactly one of Delivery or Bounce, never both, matching
// the data model's "a delivery is either a real delivery or a bounce"
// invariant.
type Envelope struct {
	Delivery *Delivery
	Bounce   *Bounce
}

// IsBounce reports whether the envelope carries a bounce rather than a
// real delivery.
func (e Envelope) IsBounce() bool { return e.Bounce != nil }
