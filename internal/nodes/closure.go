package nodes

import (
	"errors"

	"gorm.io/gorm"
)

const (
	insertInheritedPathsSQL = `INSERT INTO node_paths (ancestor_id, descendant_id, workspace_id, level)
SELECT ancestor_id, ?, workspace_id, level + 1 FROM node_paths WHERE descendant_id = ?`

	selectAncestorsSQL = `SELECT n.* FROM node_paths np
JOIN nodes n ON n.id = np.ancestor_id
WHERE np.descendant_id = ?
ORDER BY np.level ASC`

	selectSubtreeSQL = `SELECT n.* FROM node_paths np
JOIN nodes n ON n.id = np.descendant_id
WHERE np.ancestor_id = ?
ORDER BY np.level DESC, n.id ASC`
)

func insertNodePaths(tx *gorm.DB, node Node) error {
	self := NodePath{AncestorID: node.ID, DescendantID: node.ID, WorkspaceID: node.WorkspaceID, Level: 0}
	if err := tx.Create(&self).Error; err != nil {
		return err
	}
	if node.ParentID == nil {
		return nil
	}
	return tx.Exec(insertInheritedPathsSQL, node.ID, *node.ParentID).Error
}

// loadAncestors returns the node followed by its ancestors, nearest first.
func loadAncestors(db *gorm.DB, nodeID string) ([]Node, error) {
	var chain []Node
	if err := db.Raw(selectAncestorsSQL, nodeID).Scan(&chain).Error; err != nil {
		return nil, err
	}
	return chain, nil
}

// loadSubtree returns the node and its descendants, deepest first.
func loadSubtree(db *gorm.DB, nodeID string) ([]Node, error) {
	var subtree []Node
	if err := db.Raw(selectSubtreeSQL, nodeID).Scan(&subtree).Error; err != nil {
		return nil, err
	}
	return subtree, nil
}

func countDescendants(db *gorm.DB, nodeID string) (int64, error) {
	var count int64
	err := db.Model(&NodePath{}).Where("ancestor_id = ?", nodeID).Count(&count).Error
	return count, err
}

func findNode(db *gorm.DB, nodeID string) (Node, error) {
	var node Node
	err := db.Where("id = ?", nodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, ErrNodeNotFound
	}
	return node, err
}

// nodeDeleted reports whether a terminal delete transaction exists for the node id.
func nodeDeleted(db *gorm.DB, nodeID string) (bool, error) {
	var count int64
	err := db.Model(&Transaction{}).
		Where("node_id = ? AND operation = ?", nodeID, OperationDelete).
		Count(&count).Error
	return count > 0, err
}

func findTransaction(db *gorm.DB, transactionID string) (Transaction, bool, error) {
	var transaction Transaction
	err := db.Where("id = ?", transactionID).Take(&transaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return transaction, true, nil
}

func loadTransactions(db *gorm.DB, nodeID string) ([]Transaction, error) {
	var transactions []Transaction
	err := db.Where("node_id = ?", nodeID).Order("version ASC").Find(&transactions).Error
	return transactions, err
}
