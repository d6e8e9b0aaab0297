package bitcoin

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/jbelanger/exitbook/model"
)

// DeriveAddresses derives count receive addresses from an extended public
// key, starting at index start on the external branch (m/.../0/i). The key
// prefix selects the script type: zpub and vpub keys yield native segwit
// addresses, the rest yield P2PKH.
func DeriveAddresses(xpub string, start, count uint32) ([]string, error) {
	key, err := hdkeychain.NewKeyFromString(strings.TrimSpace(xpub))
	if err != nil {
		return nil, model.WrapError(model.ErrCodeValidation,
			fmt.Sprintf("invalid extended public key %s...", safePrefix(xpub)), err)
	}

	external, err := key.Derive(0)
	if err != nil {
		return nil, model.WrapError(model.ErrCodeInternal, "deriving external branch", err)
	}

	params := paramsFor(xpub)
	segwit := strings.HasPrefix(xpub, "zpub") || strings.HasPrefix(xpub, "vpub")

	out := make([]string, 0, count)
	for i := start; i < start+count; i++ {
		child, err := external.Derive(i)
		if err != nil {
			return nil, model.WrapError(model.ErrCodeInternal,
				fmt.Sprintf("deriving child %d", i), err)
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return nil, model.WrapError(model.ErrCodeInternal,
				fmt.Sprintf("extracting pubkey for child %d", i), err)
		}

		hash := btcutil.Hash160(pub.SerializeCompressed())
		var addr btcutil.Address
		if segwit {
			addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, params)
		} else {
			addr, err = btcutil.NewAddressPubKeyHash(hash, params)
		}
		if err != nil {
			return nil, model.WrapError(model.ErrCodeInternal,
				fmt.Sprintf("encoding address for child %d", i), err)
		}
		out = append(out, addr.EncodeAddress())
	}
	return out, nil
}

func paramsFor(xpub string) *chaincfg.Params {
	for _, prefix := range []string{"tpub", "upub", "vpub"} {
		if strings.HasPrefix(xpub, prefix) {
			return &chaincfg.TestNet3Params
		}
	}
	return &chaincfg.MainNetParams
}

func safePrefix(xpub string) string {
	if len(xpub) > 8 {
		return xpub[:8]
	}
	return xpub
}
