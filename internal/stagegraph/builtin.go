package stagegraph

// BuiltinName identifies the built-in control-research pipeline.
const BuiltinName = "control-research"

// Builtin returns the default control-research pipeline: literature survey,
// mathematical derivation, simulation code generation, simulation execution,
// then two independent branches for DSP implementation and paper writing.
func Builtin() *Graph {
	graph, err := New(BuiltinName, []Node{
		{
			ID:                   "literature",
			Role:                 "architect",
			RequiresConfirmation: true,
			Scored:               true,
			Description:          "Literature survey and topic design",
		},
		{
			ID:          "derivation",
			Role:        "theorist",
			DependsOn:   []string{"literature"},
			Scored:      true,
			Description: "Mathematical derivation",
		},
		{
			ID:          "simulation",
			Role:        "engineer",
			DependsOn:   []string{"derivation"},
			Scored:      true,
			Description: "Simulation code generation",
		},
		{
			ID:                   "sim_run",
			Role:                 "simulator",
			DependsOn:            []string{"simulation"},
			RequiresConfirmation: true,
			Description:          "Simulation execution and result collection",
		},
		{
			ID:          "dsp_code",
			Role:        "dsp_coder",
			DependsOn:   []string{"sim_run"},
			Scored:      true,
			Description: "DSP implementation",
		},
		{
			ID:                   "paper",
			Role:                 "scribe",
			DependsOn:            []string{"sim_run"},
			RequiresConfirmation: true,
			Scored:               true,
			Description:          "Paper writing",
		},
	})
	if err != nil {
		// The built-in graph is fixed at compile time; a construction failure
		// is a programming error.
		panic(err)
	}
	return graph
}

// Set resolves graphs by name.
type Set struct {
	graphs map[string]*Graph
}

// NewSet builds a Set from the provided graphs. The built-in graph is always
// available.
func NewSet(graphs ...*Graph) *Set {
	set := &Set{graphs: make(map[string]*Graph, len(graphs)+1)}
	builtin := Builtin()
	set.graphs[builtin.Name()] = builtin
	for _, graph := range graphs {
		if graph != nil {
			set.graphs[graph.Name()] = graph
		}
	}
	return set
}

// Get returns the graph registered under name. An empty name selects the
// built-in graph.
func (s *Set) Get(name string) (*Graph, bool) {
	if name == "" {
		name = BuiltinName
	}
	graph, ok := s.graphs[name]
	return graph, ok
}

// Names returns the registered graph names.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	return names
}
