package manifest

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    target_group TEXT NOT NULL,
    sink TEXT NOT NULL,
    dataset TEXT NOT NULL,
    seq INTEGER NOT NULL,
    base INTEGER NOT NULL,
    kind TEXT NOT NULL,
    artifact TEXT NOT NULL,
    checksum TEXT NOT NULL,
    bytes INTEGER NOT NULL,
    status TEXT NOT NULL,
    run TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (target_group, sink, dataset, seq)
);

CREATE INDEX IF NOT EXISTS idx_entries_dataset ON entries(dataset, target_group);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);
`
