package substrate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"balance_engine/internal/domain/entity"

	"github.com/OneOfOne/xxhash"
	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// SCALE layouts of the storage values read by the modules. Only the leading
// fields needed for balances are declared; trailing fields are ignored.

type accountInfo struct {
	Nonce       types.U32
	Consumers   types.U32
	Providers   types.U32
	Sufficients types.U32
	Free        types.U128
	Reserved    types.U128
	// Frozen is misc_frozen on runtimes without the new balances logic.
	Frozen types.U128
	// Flags is fee_frozen on runtimes without the new balances logic.
	Flags types.U128
}

// newLogicFlag is the top bit of ExtraFlags, set on accounts migrated to the
// frozen/flags layout.
var newLogicFlag = new(big.Int).Lsh(big.NewInt(1), 127)

// frozen returns the amount of free balance that is frozen.
func (a accountInfo) frozen() *big.Int {
	frozen := bigOf(a.Frozen)
	flags := bigOf(a.Flags)
	if new(big.Int).And(flags, newLogicFlag).Sign() != 0 {
		return frozen
	}
	if flags.Cmp(frozen) > 0 {
		return flags
	}
	return frozen
}

type balanceLock struct {
	ID      [8]byte
	Amount  types.U128
	Reasons types.U8
}

type freezeReason struct {
	Pallet  types.U8
	Variant types.U8
}

type balanceFreeze struct {
	ID     freezeReason
	Amount types.U128
}

type unlockChunk struct {
	Value types.UCompact
	Era   types.UCompact
}

type stakingLedger struct {
	Stash     [32]byte
	Total     types.UCompact
	Active    types.UCompact
	Unlocking []unlockChunk
}

func (l stakingLedger) unbonding() *big.Int {
	total := new(big.Int)
	for _, chunk := range l.Unlocking {
		total.Add(total, compactOf(chunk.Value))
	}
	return total
}

type eraAmount struct {
	Era    types.U32
	Amount types.U128
}

type poolMember struct {
	PoolID                    types.U32
	Points                    types.U128
	LastRecordedRewardCounter types.U128
	UnbondingEras             []eraAmount
}

func (m poolMember) unbonding() *big.Int {
	total := new(big.Int)
	for _, e := range m.UnbondingEras {
		total.Add(total, bigOf(e.Amount))
	}
	return total
}

type assetAccount struct {
	Balance types.U128
	// Status is AccountStatus on current runtimes and is_frozen on older
	// ones. Any non-zero value means the balance cannot move.
	Status types.U8
}

// decodeBondedPoolPoints reads the points of a BondedPoolInner, skipping
// the commission settings in front of them.
func decodeBondedPoolPoints(raw []byte) (*big.Int, error) {
	d := scale.NewDecoder(bytes.NewReader(raw))

	// current: Option<(Perbill, AccountId)>
	if err := skipOption(d, 4+32); err != nil {
		return nil, err
	}
	// max: Option<Perbill>
	if err := skipOption(d, 4); err != nil {
		return nil, err
	}
	// change_rate: Option<{max_increase: Perbill, min_delay: BlockNumber}>
	if err := skipOption(d, 8); err != nil {
		return nil, err
	}
	// throttle_from: Option<BlockNumber>
	if err := skipOption(d, 4); err != nil {
		return nil, err
	}
	// claim_permission: Option<enum { Permissionless, Account(AccountId) }>
	some, err := d.ReadOneByte()
	if err != nil {
		return nil, err
	}
	if some == 1 {
		variant, err := d.ReadOneByte()
		if err != nil {
			return nil, err
		}
		if variant == 1 {
			if err := skip(d, 32); err != nil {
				return nil, err
			}
		}
	}

	var memberCounter types.U32
	var points types.U128
	if err := d.Decode(&memberCounter); err != nil {
		return nil, err
	}
	if err := d.Decode(&points); err != nil {
		return nil, err
	}
	return bigOf(points), nil
}

// decodeFundIndex reads fund_index from a crowdloan FundInfo.
func decodeFundIndex(raw []byte) (uint32, error) {
	d := scale.NewDecoder(bytes.NewReader(raw))

	// depositor
	if err := skip(d, 32); err != nil {
		return 0, err
	}
	// verifier: Option<MultiSigner>
	some, err := d.ReadOneByte()
	if err != nil {
		return 0, err
	}
	if some == 1 {
		variant, err := d.ReadOneByte()
		if err != nil {
			return 0, err
		}
		n := 32
		if variant == 2 {
			n = 33
		}
		if err := skip(d, n); err != nil {
			return 0, err
		}
	}
	// deposit, raised, end, cap
	if err := skip(d, 16+16+4+16); err != nil {
		return 0, err
	}
	// last_contribution: enum { Never, PreEnding(u32), Ending(BlockNumber) }
	variant, err := d.ReadOneByte()
	if err != nil {
		return 0, err
	}
	if variant != 0 {
		if err := skip(d, 4); err != nil {
			return 0, err
		}
	}
	// first_period, last_period
	if err := skip(d, 8); err != nil {
		return 0, err
	}
	var index types.U32
	if err := d.Decode(&index); err != nil {
		return 0, err
	}
	return uint32(index), nil
}

func skipOption(d *scale.Decoder, size int) error {
	some, err := d.ReadOneByte()
	if err != nil {
		return err
	}
	switch some {
	case 0:
		return nil
	case 1:
		return skip(d, size)
	default:
		return fmt.Errorf("invalid option byte %d", some)
	}
}

func skip(d *scale.Decoder, n int) error {
	return d.Read(make([]byte, n))
}

// twox128 is the storage prefix hasher used for pallet and item names.
func twox128(data []byte) []byte {
	h := xxhash.NewS64(0)
	_, _ = h.Write(data)
	h2 := xxhash.NewS64(1)
	_, _ = h2.Write(data)

	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:], h.Sum64())
	binary.LittleEndian.PutUint64(out[8:], h2.Sum64())
	return out
}

// storagePrefix returns twox128(pallet) ++ twox128(item), the key prefix of
// every entry of a storage map.
func storagePrefix(pallet, item string) []byte {
	return append(twox128([]byte(pallet)), twox128([]byte(item))...)
}

func bigOf(v types.U128) *big.Int {
	if v.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.Int)
}

func compactOf(v types.UCompact) *big.Int {
	return new(big.Int).Set((*big.Int)(&v))
}

// Lock ids are 8 byte ascii identifiers set by the locking pallet.
var lockLabels = map[string]string{
	"staking ": entity.LabelStaking,
	"vesting ": "vesting",
	"democrac": "democracy",
	"pyconvot": "governance",
	"phrelect": "elections",
	"pycrowdl": "crowdloan",
}

func lockLabel(id [8]byte) string {
	if label, ok := lockLabels[string(id[:])]; ok {
		return label
	}
	label := strings.TrimSpace(strings.TrimRight(string(id[:]), "\x00"))
	if label == "" {
		return "other"
	}
	return label
}

var freezeLabels = map[string]string{
	"NominationPools":  "nompools-staking",
	"DelegatedStaking": "nompools-staking",
}

func freezeLabel(palletName string, palletIndex uint8) string {
	if palletName == "" {
		return fmt.Sprintf("freeze-%d", palletIndex)
	}
	if label, ok := freezeLabels[palletName]; ok {
		return label
	}
	return strings.ToLower(palletName)
}
