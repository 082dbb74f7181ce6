package observability

// Config captures opt-in observability toggles for the operator console.
type Config struct {
	EnablePprof bool
}
