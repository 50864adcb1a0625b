package opstore

// SQL query constants, grouped by domain — mirrors the teacher pack's
// sqlItemColumns/sqlUpsertItem style.
const (
	sqlInsertBatch = `INSERT INTO batches (batch_uid, status, created_at) VALUES (?, ?, ?)`

	sqlInsertOp = `INSERT INTO ops (
		op_uid, batch_uid, seq, op_type,
		src_device_uid, src_node_uid,
		has_dst, dst_device_uid, dst_node_uid,
		status, result, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateOpStatus = `UPDATE ops SET status = ?, result = ? WHERE op_uid = ?`

	sqlUpdateBatchStatus = `UPDATE batches SET status = ? WHERE batch_uid = ?`

	sqlSelectBatchesByStatus = `SELECT batch_uid, status, created_at FROM batches
		WHERE status IN (?, ?) ORDER BY batch_uid`

	sqlSelectOpsByBatch = `SELECT
		op_uid, batch_uid, seq, op_type,
		src_device_uid, src_node_uid,
		has_dst, dst_device_uid, dst_node_uid,
		status, result, created_at
	FROM ops WHERE batch_uid = ? ORDER BY seq`
)
