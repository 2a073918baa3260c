package sqlqueue

import "github.com/drblury/queueflow/transport"

const messageColumns = `lookup_id, queue, subqueue, message_id, label, correlation_id, body, app_specific,
	response_queue, admin_queue, destination_queue, ack_types, ack_class, ttrq_ms, ttbr_ms, sent_at, properties`

type queries struct {
	createQueue   string
	queueExists   string
	deleteQueue   string
	insert        string
	deleteMessage string
	move          string
	count         string
	selectAll     string
	lookup        map[transport.LookupAction]string
}

func buildQueries(d Dialect) queries {
	sel := `SELECT ` + messageColumns + ` FROM %[1]squeue_messages WHERE queue = ? AND subqueue = ?`
	return queries{
		createQueue: d.format(`INSERT INTO %[1]squeues (name) VALUES (?) ON CONFLICT (name) DO NOTHING`),
		queueExists: d.format(`SELECT COUNT(*) FROM %[1]squeues WHERE name = ?`),
		deleteQueue: d.format(`DELETE FROM %[1]squeues WHERE name = ?`),
		insert: d.format(`INSERT INTO %[1]squeue_messages (queue, subqueue, message_id, label, correlation_id, body,
			app_specific, response_queue, admin_queue, destination_queue, ack_types, ack_class, ttrq_ms, ttbr_ms,
			sent_at, properties) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING lookup_id`),
		deleteMessage: d.format(`DELETE FROM %[1]squeue_messages WHERE lookup_id = ?`),
		move:          d.format(`UPDATE %[1]squeue_messages SET subqueue = ? WHERE lookup_id = ? AND queue = ? AND subqueue = ?`),
		count:         d.format(`SELECT COUNT(*) FROM %[1]squeue_messages WHERE queue = ? AND subqueue = ?`),
		selectAll:     d.format(d.locked(`SELECT ` + messageColumns + ` FROM %[1]squeue_messages WHERE queue = ? ORDER BY lookup_id ASC`)),
		lookup: map[transport.LookupAction]string{
			transport.LookupFirst:          d.format(d.locked(sel + ` ORDER BY lookup_id ASC LIMIT 1`)),
			transport.LookupLast:           d.format(d.locked(sel + ` ORDER BY lookup_id DESC LIMIT 1`)),
			transport.LookupCurrent:        d.format(d.locked(sel + ` AND lookup_id = ?`)),
			transport.LookupReceiveCurrent: d.format(d.locked(sel + ` AND lookup_id = ?`)),
			transport.LookupNext:           d.format(d.locked(sel + ` AND lookup_id > ? ORDER BY lookup_id ASC LIMIT 1`)),
			transport.LookupPrevious:       d.format(d.locked(sel + ` AND lookup_id < ? ORDER BY lookup_id DESC LIMIT 1`)),
		},
	}
}

// usesLookupID reports whether the query for action takes a lookup id argument.
func usesLookupID(action transport.LookupAction) bool {
	return action != transport.LookupFirst && action != transport.LookupLast
}
