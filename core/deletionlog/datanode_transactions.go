package deletionlog

import "github.com/sushant-115/gojostore/core/statestore"

// DatanodeDeletedBlockTransactions groups the transactions selected by one
// GetTransactions call by destination datanode. It is ephemeral: built for
// a single dispatch round and thrown away.
type DatanodeDeletedBlockTransactions struct {
	byNode     map[string][]*statestore.DeletedBlocksTransaction
	blockCount int
	txIDs      map[int64]struct{}
}

func newDatanodeDeletedBlockTransactions() *DatanodeDeletedBlockTransactions {
	return &DatanodeDeletedBlockTransactions{
		byNode: make(map[string][]*statestore.DeletedBlocksTransaction),
		txIDs:  make(map[int64]struct{}),
	}
}

func (d *DatanodeDeletedBlockTransactions) addTransactionToDN(nodeID string, rec *statestore.DeletedBlocksTransaction) {
	d.byNode[nodeID] = append(d.byNode[nodeID], rec)
	if _, seen := d.txIDs[rec.TxID]; !seen {
		d.txIDs[rec.TxID] = struct{}{}
		d.blockCount += len(rec.LocalIDs)
	}
}

// Transactions returns the per-datanode outbound lists. A transaction
// appears under every replica that has not yet acknowledged it, always
// whole: block lists are never split across datanodes or calls.
func (d *DatanodeDeletedBlockTransactions) Transactions() map[string][]*statestore.DeletedBlocksTransaction {
	return d.byNode
}

// TransactionCount returns the number of distinct transactions selected.
func (d *DatanodeDeletedBlockTransactions) TransactionCount() int {
	return len(d.txIDs)
}

// BlockCount returns the cumulative number of blocks across the distinct
// selected transactions.
func (d *DatanodeDeletedBlockTransactions) BlockCount() int {
	return d.blockCount
}

// IsEmpty reports whether nothing was selected.
func (d *DatanodeDeletedBlockTransactions) IsEmpty() bool {
	return len(d.txIDs) == 0
}
