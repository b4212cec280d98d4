package db

// HistoryCLI opens the journal at dbPath for the operator CLI and returns the most
// recent cycles and faults for channel (all channels when empty).
func HistoryCLI(dbPath, channel string, limit int) ([]ExperimentRecord, []CycleRecord, []FaultRecord, error) {
	conn, err := Open(dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	defer conn.Close()

	experiments, err := GetExperiments(conn, limit)
	if err != nil {
		return nil, nil, nil, err
	}
	cycles, err := GetRecentCycles(conn, channel, limit)
	if err != nil {
		return nil, nil, nil, err
	}
	faults, err := GetRecentFaults(conn, channel, limit)
	if err != nil {
		return nil, nil, nil, err
	}
	return experiments, cycles, faults, nil
}
