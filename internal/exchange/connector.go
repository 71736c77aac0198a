package exchange

import (
	"fmt"
	"time"

	"sentinel/internal/model"
)

// Connector describes how to stream one symbol from a venue.
//
// A connector is stateless: the stream owns the connection and any local book,
// the connector only knows the venue's URLs and wire format.
type Connector interface {
	// Exchange identifies the venue.
	Exchange() model.Exchange

	// StreamSpec returns connection parameters for the symbol.
	StreamSpec(symbol string) (StreamSpec, error)

	// Parse decodes one frame. Frames that carry no market data (acks,
	// keepalive replies) yield an empty Update and a nil error. Undecodable
	// frames return an error wrapping ErrMalformedMessage.
	Parse(symbol string, raw []byte) (Update, error)
}

// StreamSpec holds what the transport needs to open a subscription.
type StreamSpec struct {
	Endpoint             string
	SubscriptionMessages [][]byte
	PingMessage          []byte // nil means protocol-level ping
}

// BookUpdate is one depth message. Snapshot updates replace the local book;
// non-snapshot updates are deltas where a zero quantity removes the level.
type BookUpdate struct {
	Snapshot  bool
	Bids      []model.OrderBookLevel
	Asks      []model.OrderBookLevel
	Seq       int64
	Timestamp time.Time
}

// Update is the decoded content of a single frame.
type Update struct {
	Book   *BookUpdate
	Trades []model.TradeEvent
}

// Empty reports whether the frame carried no market data.
func (u Update) Empty() bool {
	return u.Book == nil && len(u.Trades) == 0
}

// NewConnector builds the connector for the named venue.
func NewConnector(exchange model.Exchange, cfg *ExchangeConfig) (Connector, error) {
	switch exchange {
	case model.BitgetExchange:
		c, err := NewBitgetConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case model.BinanceExchange:
		c, err := NewBinanceConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unsupported exchange %v", ErrInvalidConfig, exchange)
	}
}
