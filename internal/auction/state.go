package auction

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Leading type tag of every record owned by the auction program. Off-chain
// scanners filter program accounts by this byte.
const (
	accountTagUninitialized uint8 = 0
	AccountTagAuction       uint8 = 1
	AccountTagExtended      uint8 = 2
	AccountTagBidderMeta    uint8 = 3
)

type AuctionKind uint8

const (
	KindEnglish AuctionKind = iota
	KindSealedBid
)

type AuctionStatus uint8

// Status only advances forward through Created -> Started -> Ended -> Claimed.
// Cancelled is a terminal side branch out of Created or Started and excludes
// Ended/Claimed.
const (
	StatusCreated AuctionStatus = iota
	StatusStarted
	StatusEnded
	StatusClaimed
	StatusCancelled
)

func (s AuctionStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarted:
		return "started"
	case StatusEnded:
		return "ended"
	case StatusClaimed:
		return "claimed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// AuctionConfig is written once by CreateAuction. The only field that can
// change afterwards is Seller, through an explicit SetAuthority handover.
type AuctionConfig struct {
	Seller          solana.PublicKey
	Resource        solana.PublicKey
	Kind            AuctionKind
	StartingPrice   uint64
	MinBidIncrement uint64
	Duration        int64
	GapWindow       int64
	ExtensionPeriod int64
}

type BidEntry struct {
	Bidder    solana.PublicKey
	Amount    uint64
	Timestamp int64
}

// AuctionState is the mutable half of the auction record. EndAt never
// decreases once the auction has started, and HighestBid never decreases.
type AuctionState struct {
	Status        AuctionStatus
	EndAt         int64
	HighestBid    uint64
	HighestBidder *solana.PublicKey
	BidCount      uint64
	History       []BidEntry
}

// AuctionRecord is the full payload of the "auction" PDA.
type AuctionRecord struct {
	Config AuctionConfig
	State  AuctionState
}

// ExtendedRecord lives in the "extended" PDA. It carries the anti-snipe
// parameter set redundantly for cheap reads plus the running escrow totals
// backing the conservation invariant.
type ExtendedRecord struct {
	Resource        solana.PublicKey
	TotalEscrowed   uint64
	TotalReleased   uint64
	UncancelledBids uint64
}

// BidderMetaRecord lives in the "bidder_meta" PDA, one per (auction, bidder).
// The bidder's escrowed lamports sit in the companion "escrow" PDA; its
// balance equals LastBid while the bid stands.
type BidderMetaRecord struct {
	Bidder    solana.PublicKey
	LastBid   uint64
	LastBidAt int64
	Cancelled bool
}

func (r *AuctionRecord) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)

	if err := encoder.WriteUint8(AccountTagAuction); err != nil {
		return nil, err
	}
	if err := encoder.WriteBytes(r.Config.Seller[:], false); err != nil {
		return nil, err
	}
	if err := encoder.WriteBytes(r.Config.Resource[:], false); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint8(uint8(r.Config.Kind)); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.Config.StartingPrice, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.Config.MinBidIncrement, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteInt64(r.Config.Duration, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteInt64(r.Config.GapWindow, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteInt64(r.Config.ExtensionPeriod, bin.LE); err != nil {
		return nil, err
	}

	if err := encoder.WriteUint8(uint8(r.State.Status)); err != nil {
		return nil, err
	}
	if err := encoder.WriteInt64(r.State.EndAt, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.State.HighestBid, bin.LE); err != nil {
		return nil, err
	}
	if r.State.HighestBidder != nil {
		if err := encoder.WriteUint8(1); err != nil {
			return nil, err
		}
		if err := encoder.WriteBytes(r.State.HighestBidder[:], false); err != nil {
			return nil, err
		}
	} else {
		if err := encoder.WriteUint8(0); err != nil {
			return nil, err
		}
	}
	if err := encoder.WriteUint64(r.State.BidCount, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint32(uint32(len(r.State.History)), bin.LE); err != nil {
		return nil, err
	}
	for _, entry := range r.State.History {
		if err := encoder.WriteBytes(entry.Bidder[:], false); err != nil {
			return nil, err
		}
		if err := encoder.WriteUint64(entry.Amount, bin.LE); err != nil {
			return nil, err
		}
		if err := encoder.WriteInt64(entry.Timestamp, bin.LE); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func ParseAuctionRecord(data []byte) (*AuctionRecord, error) {
	decoder := bin.NewBinDecoder(data)

	tag, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read account tag: %w", err)
	}
	if tag != AccountTagAuction {
		return nil, fmt.Errorf("unexpected account tag %d for auction record", tag)
	}

	record := &AuctionRecord{}
	if record.Config.Seller, err = readPublicKey(decoder); err != nil {
		return nil, fmt.Errorf("read seller: %w", err)
	}
	if record.Config.Resource, err = readPublicKey(decoder); err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	kind, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read kind: %w", err)
	}
	record.Config.Kind = AuctionKind(kind)
	if record.Config.StartingPrice, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read starting price: %w", err)
	}
	if record.Config.MinBidIncrement, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read min bid increment: %w", err)
	}
	if record.Config.Duration, err = decoder.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("read duration: %w", err)
	}
	if record.Config.GapWindow, err = decoder.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("read gap window: %w", err)
	}
	if record.Config.ExtensionPeriod, err = decoder.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("read extension period: %w", err)
	}

	status, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	record.State.Status = AuctionStatus(status)
	if record.State.EndAt, err = decoder.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("read end timestamp: %w", err)
	}
	if record.State.HighestBid, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read highest bid: %w", err)
	}
	hasWinner, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read highest bidder flag: %w", err)
	}
	switch hasWinner {
	case 0:
	case 1:
		bidder, err := readPublicKey(decoder)
		if err != nil {
			return nil, fmt.Errorf("read highest bidder: %w", err)
		}
		record.State.HighestBidder = &bidder
	default:
		return nil, fmt.Errorf("invalid highest bidder flag %d", hasWinner)
	}
	if record.State.BidCount, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read bid count: %w", err)
	}
	historyLen, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read history length: %w", err)
	}
	if int(historyLen) > decoder.Remaining() {
		return nil, fmt.Errorf("history length %d exceeds payload", historyLen)
	}
	record.State.History = make([]BidEntry, 0, historyLen)
	for i := uint32(0); i < historyLen; i++ {
		var entry BidEntry
		if entry.Bidder, err = readPublicKey(decoder); err != nil {
			return nil, fmt.Errorf("read history bidder %d: %w", i, err)
		}
		if entry.Amount, err = decoder.ReadUint64(bin.LE); err != nil {
			return nil, fmt.Errorf("read history amount %d: %w", i, err)
		}
		if entry.Timestamp, err = decoder.ReadInt64(bin.LE); err != nil {
			return nil, fmt.Errorf("read history timestamp %d: %w", i, err)
		}
		record.State.History = append(record.State.History, entry)
	}

	return record, nil
}

func (r *ExtendedRecord) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)

	if err := encoder.WriteUint8(AccountTagExtended); err != nil {
		return nil, err
	}
	if err := encoder.WriteBytes(r.Resource[:], false); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.TotalEscrowed, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.TotalReleased, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.UncancelledBids, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ParseExtendedRecord(data []byte) (*ExtendedRecord, error) {
	decoder := bin.NewBinDecoder(data)

	tag, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read account tag: %w", err)
	}
	if tag != AccountTagExtended {
		return nil, fmt.Errorf("unexpected account tag %d for extended record", tag)
	}

	record := &ExtendedRecord{}
	if record.Resource, err = readPublicKey(decoder); err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	if record.TotalEscrowed, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read total escrowed: %w", err)
	}
	if record.TotalReleased, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read total released: %w", err)
	}
	if record.UncancelledBids, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read uncancelled bids: %w", err)
	}
	return record, nil
}

func (r *BidderMetaRecord) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)

	if err := encoder.WriteUint8(AccountTagBidderMeta); err != nil {
		return nil, err
	}
	if err := encoder.WriteBytes(r.Bidder[:], false); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint64(r.LastBid, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteInt64(r.LastBidAt, bin.LE); err != nil {
		return nil, err
	}
	if err := encoder.WriteBool(r.Cancelled); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ParseBidderMetaRecord(data []byte) (*BidderMetaRecord, error) {
	decoder := bin.NewBinDecoder(data)

	tag, err := decoder.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("read account tag: %w", err)
	}
	if tag != AccountTagBidderMeta {
		return nil, fmt.Errorf("unexpected account tag %d for bidder meta record", tag)
	}

	record := &BidderMetaRecord{}
	if record.Bidder, err = readPublicKey(decoder); err != nil {
		return nil, fmt.Errorf("read bidder: %w", err)
	}
	if record.LastBid, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read last bid: %w", err)
	}
	if record.LastBidAt, err = decoder.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("read last bid timestamp: %w", err)
	}
	if record.Cancelled, err = decoder.ReadBool(); err != nil {
		return nil, fmt.Errorf("read cancelled flag: %w", err)
	}
	return record, nil
}

func readPublicKey(decoder *bin.Decoder) (solana.PublicKey, error) {
	raw, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	var key solana.PublicKey
	copy(key[:], raw)
	return key, nil
}
