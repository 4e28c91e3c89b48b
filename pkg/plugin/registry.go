package plugin

// Lookup returns the first plugin in pipeline whose Name matches name.
func Lookup(pipeline *Pipeline, name string) (Plugin, bool) {
	for _, pl := range pipeline.Plugins() {
		if pl.Name() == name {
			return pl, true
		}
	}
	return nil, false
}
