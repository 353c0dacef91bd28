package block

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/blocksync/errors"
)

// blockScanArgs holds the nullable and encoded columns of a blocks row.
type blockScanArgs struct {
	Properties     string
	Content        string
	Parent         sql.NullString
	CreatedTime    int64
	LastEditedTime int64
}

func blockScanTargets(b *Block, args *blockScanArgs) []interface{} {
	return []interface{}{
		&b.ID,
		&b.Type,
		&args.Properties,
		&args.Content,
		&args.Parent,
		&b.PageID,
		&args.CreatedTime,
		&args.LastEditedTime,
		&b.LastEditedBy,
	}
}

func processBlockScanArgs(b *Block, args *blockScanArgs) error {
	if args.Properties != "" && args.Properties != "null" {
		if err := json.Unmarshal([]byte(args.Properties), &b.Properties); err != nil {
			return errors.Wrapf(err, "failed to decode properties of block %s", b.ID)
		}
	}
	if args.Content != "" && args.Content != "null" {
		if err := json.Unmarshal([]byte(args.Content), &b.Content); err != nil {
			return errors.Wrapf(err, "failed to decode content of block %s", b.ID)
		}
	}
	if args.Parent.Valid {
		b.Parent = args.Parent.String
	}
	b.CreatedTime = time.Unix(0, args.CreatedTime).UTC()
	b.LastEditedTime = time.Unix(0, args.LastEditedTime).UTC()
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (*Block, error) {
	var b Block
	args := &blockScanArgs{}
	if err := row.Scan(blockScanTargets(&b, args)...); err != nil {
		return nil, err
	}
	if err := processBlockScanArgs(&b, args); err != nil {
		return nil, err
	}
	return &b, nil
}

// blockSelectColumns is the column list matching blockScanTargets.
const blockSelectColumns = `id, type, properties, content, parent, page_id,
		created_time, last_edited_time, last_edited_by`

// blockInsertArgs encodes b for the upsert statement.
func blockInsertArgs(b *Block) ([]interface{}, error) {
	props := []byte("{}")
	if b.Properties != nil {
		var err error
		if props, err = json.Marshal(b.Properties); err != nil {
			return nil, errors.Wrapf(err, "failed to encode properties of block %s", b.ID)
		}
	}
	content := []byte("[]")
	if b.Content != nil {
		var err error
		if content, err = json.Marshal(b.Content); err != nil {
			return nil, errors.Wrapf(err, "failed to encode content of block %s", b.ID)
		}
	}
	parent := sql.NullString{String: b.Parent, Valid: b.Parent != ""}
	return []interface{}{
		b.ID,
		string(b.Type),
		string(props),
		string(content),
		parent,
		b.PageID,
		b.CreatedTime.UnixNano(),
		b.LastEditedTime.UnixNano(),
		b.LastEditedBy,
	}, nil
}
