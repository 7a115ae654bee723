package bundles

func step(server, tool string) Step { return Step{ServerID: server, ToolID: tool} }

// Built-in bundle names.
const (
	QuickScreen  = "quick_screen"
	FullPipeline = "full_pipeline"
	GeologyOnly  = "geology_only"
	TractEval    = "tract_eval"
	TitleReview  = "title_review"
)

// Builtins returns the built-in tract evaluation bundles.
func Builtins() []Bundle {
	return []Bundle{
		{
			Name:        QuickScreen,
			Description: "Fast first look at a tract: geology, logs, economics and prior risk in one phase",
			Phases: []Phase{{Name: "screen", Steps: []Step{
				step("geology", "read"),
				step("curves", "read"),
				step("economics", "compute_npv"),
				step("risk", "read"),
			}}},
		},
		{
			Name:        FullPipeline,
			Description: "Complete tract evaluation across every domain server",
			Phases: []Phase{
				{Name: "gather", Steps: []Step{
					step("geology", "read"),
					step("curves", "read"),
					step("title", "read"),
					step("market", "read"),
					step("research", "search"),
				}},
				{Name: "engineer", Steps: []Step{
					step("drilling", "forecast"),
					step("infrastructure", "assess"),
					step("legal", "review"),
					step("development", "plan"),
				}},
				{Name: "value", Steps: []Step{
					step("economics", "compute_npv"),
				}},
				{Name: "risk", Steps: []Step{
					step("risk", "compute"),
				}},
				{Name: "decide", Steps: []Step{
					step("decision", "recommend"),
					step("reporting", "summarize"),
					step("notary", "draft_loi"),
				}},
			},
		},
		{
			Name:        GeologyOnly,
			Description: "Geology and well log review",
			Phases: []Phase{
				{Name: "read", Steps: []Step{step("geology", "read"), step("curves", "read")}},
				{Name: "analyze", Steps: []Step{step("geology", "analyze_formation"), step("curves", "qc")}},
			},
		},
		{
			Name:        TractEval,
			Description: "Geology, title and economics, with a recommendation only when valuation succeeds",
			Phases: []Phase{
				{Name: "gather", Steps: []Step{step("geology", "read"), step("title", "read")}},
				{Name: "value", Steps: []Step{step("economics", "compute_npv")}},
				{Name: "decide", Steps: []Step{{
					ServerID: "decision",
					ToolID:   "recommend",
					Needs:    []string{"economics.compute_npv", "geology.read"},
					When:     `"economics.compute_npv" in results && results["economics.compute_npv"].status == "success"`,
				}}},
			},
		},
		{
			Name:        TitleReview,
			Description: "Title chain, defects and lease compliance",
			Phases: []Phase{
				{Name: "read", Steps: []Step{step("title", "read")}},
				{Name: "review", Steps: []Step{step("title", "verify"), step("legal", "review")}},
			},
		},
	}
}
