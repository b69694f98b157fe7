package schedule

// EpochCounter counts finished epochs up to Limit.
type EpochCounter struct {
	Current int `toml:"current"`
	Limit   int `toml:"limit"`
}

// NewEpochCounter counts to limit.
func NewEpochCounter(limit int) *EpochCounter {
	return &EpochCounter{Limit: limit}
}

// Next advances to the next epoch; ok is false once Limit is reached.
func (e *EpochCounter) Next() (epoch int, ok bool) {
	if e.Current >= e.Limit {
		return e.Current, false
	}
	e.Current++
	return e.Current, true
}

// Save writes the counter. The limit is kept from configuration on load.
func (e *EpochCounter) Save(path string) error {
	return saveTOML(path, e)
}

// Load restores the current epoch.
func (e *EpochCounter) Load(path string) error {
	var saved EpochCounter
	if err := loadTOML(path, &saved); err != nil {
		return err
	}
	e.Current = saved.Current
	return nil
}
