package diagutil

// FlattenErrors converts errors to strings, skipping nil errors.
func FlattenErrors(errs ...error) []string {
	var strs []string
	for _, err := range errs {
		if err == nil {
			continue
		}
		strs = append(strs, err.Error())
	}
	return strs
}
