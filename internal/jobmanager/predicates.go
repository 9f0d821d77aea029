package jobmanager

// NoCategoryForSource gates a job until no job of the given category runs
// for the given source. Used to keep a source's dumper and uploader
// mutually exclusive.
func NoCategoryForSource(category Category, source string) Predicate {
	return func(running []JobInfo) bool {
		for _, j := range running {
			if j.Category == category && j.Source == source {
				return false
			}
		}
		return true
	}
}

// NoCategoryRunning gates a job until no job of the given category runs
// anywhere. Used to exclude uploads while any build runs and vice versa.
func NoCategoryRunning(category Category) Predicate {
	return func(running []JobInfo) bool {
		for _, j := range running {
			if j.Category == category {
				return false
			}
		}
		return true
	}
}
