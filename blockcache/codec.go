package blockcache

import (
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
)

// RegisterTypes installs this package's Tagged-record deserializer(s) into
// reg, following §4.1's "registering an unknown tag at read-time is
// fatal" — callers must do this once, before opening the block-item
// store, for every component whose anchor state or raw records it writes.
func RegisterTypes(reg *blockstore.Registry) {
	reg.Register("block", decodeBlock)
}

func decodeBlock(f blockstore.Mapping) (interface{}, error) {
	hashBytes, _ := f["hash"].([]byte)
	parentBytes, _ := f["parent"].([]byte)
	height, _ := f["height"].(uint64)

	var b chain.Block
	copy(b.Hash[:], hashBytes)
	copy(b.ParentHash[:], parentBytes)
	b.Height = height

	if logsList, ok := f["logs"].(blockstore.List); ok {
		for _, item := range logsList {
			m, ok := item.(blockstore.Mapping)
			if !ok {
				continue
			}
			var l chain.Log
			if addr, ok := m["address"].([]byte); ok {
				copy(l.Address[:], addr)
			}
			if topicsList, ok := m["topics"].(blockstore.List); ok {
				for _, t := range topicsList {
					tb, _ := t.([]byte)
					var h chain.Hash
					copy(h[:], tb)
					l.Topics = append(l.Topics, h)
				}
			}
			b.Logs = append(b.Logs, l)
		}
	}

	if txList, ok := f["txs"].(blockstore.List); ok {
		for _, item := range txList {
			m, ok := item.(blockstore.Mapping)
			if !ok {
				continue
			}
			var tx chain.Transaction
			if hb, ok := m["hash"].([]byte); ok {
				copy(tx.Hash[:], hb)
			}
			if fb, ok := m["from"].([]byte); ok {
				copy(tx.From[:], fb)
			}
			if tb, ok := m["to"].([]byte); ok {
				copy(tx.To[:], tb)
			}
			tx.Nonce, _ = m["nonce"].(uint64)
			tx.ChainID, _ = m["chainId"].(uint64)
			tx.Data, _ = m["data"].([]byte)
			tx.Value, _ = m["value"].(uint64)
			tx.GasLimit, _ = m["gasLimit"].(uint64)
			tx.GasPrice, _ = m["gasPrice"].(uint64)
			b.Transactions = append(b.Transactions, tx)
		}
	}

	return b, nil
}
