package registry

import (
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/shaping"
)

func query(id, desc, perm string, caps ...string) ToolDescriptor {
	return ToolDescriptor{ToolID: id, Description: desc, Kind: contracts.KindQuery, RequiredPermission: perm, Capabilities: caps}
}

func command(id, desc, perm string, caps ...string) ToolDescriptor {
	return ToolDescriptor{ToolID: id, Description: desc, Kind: contracts.KindCommand, RequiredPermission: perm, Capabilities: caps}
}

// DefaultCatalog returns the built-in tract-evaluation servers.
func DefaultCatalog() *Catalog {
	npv := query("compute_npv", "Discounted cash flow valuation with NPV and IRR", "economics.compute", "economics", "valuation", "npv")
	npv.InputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"discount_rate": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"price_deck":    map[string]any{"type": "string"},
		},
	}
	npv.Fields = shaping.FieldVisibility{
		Summary:  []string{"npv", "irr", "recommendation"},
		Standard: []string{"payback_months", "assumptions", "sensitivities"},
	}

	riskCompute := query("compute", "Aggregate geological, economic and title risk scoring", "risk.compute", "risk", "scoring")
	riskCompute.Fields = shaping.FieldVisibility{
		Summary:  []string{"score", "rating"},
		Standard: []string{"factors", "mitigations"},
	}

	titleRead := query("read", "Ownership chain and lease status for a tract", "title.read", "title", "ownership", "lease")
	titleRead.SensitiveArgs = []string{"owner_tax_id"}

	sign := command("sign", "Sign and file a letter of intent", "notary.sign", "notary", "loi")
	sign.SensitiveArgs = []string{"signing_key"}

	geoRead := query("read", "Formation tops, lithology and reservoir summary for a tract", "geology.read", "geology", "formation", "reservoir")
	geoRead.InputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tract_id": map[string]any{"type": "string"},
			"region":   map[string]any{"type": "string"},
		},
	}

	return &Catalog{Servers: []ServerDescriptor{
		{ServerID: "geology", Name: "Geology", Version: "1.0.0", Tools: []ToolDescriptor{
			geoRead,
			query("analyze_formation", "Formation quality and zone ranking", "geology.analyze", "geology", "formation", "zones"),
		}},
		{ServerID: "curves", Name: "Curve Analysis", Version: "1.0.0", Tools: []ToolDescriptor{
			query("read", "Well log curve inventory", "curves.read", "curves", "well logs", "las"),
			query("qc", "Well log curve quality control", "curves.analyze", "curves", "quality", "las"),
		}},
		{ServerID: "economics", Name: "Economics", Version: "1.0.0", Tools: []ToolDescriptor{npv}},
		{ServerID: "risk", Name: "Risk", Version: "1.0.0", Tools: []ToolDescriptor{
			query("read", "Prior risk assessments for a tract", "risk.read", "risk"),
			riskCompute,
		}},
		{ServerID: "market", Name: "Market", Version: "1.0.0", Tools: []ToolDescriptor{
			query("read", "Commodity price decks and differentials", "market.read", "market", "pricing", "valuation"),
		}},
		{ServerID: "legal", Name: "Legal", Version: "1.0.0", Tools: []ToolDescriptor{
			query("review", "Lease and regulatory compliance review", "legal.read", "legal", "lease", "compliance"),
		}},
		{ServerID: "title", Name: "Title", Version: "1.0.0", Tools: []ToolDescriptor{
			titleRead,
			query("verify", "Title defect and curative analysis", "title.analyze", "title", "ownership"),
		}},
		{ServerID: "drilling", Name: "Drilling", Version: "1.0.0", Tools: []ToolDescriptor{
			query("forecast", "Drilling schedule and type curve forecast", "drilling.compute", "drilling", "forecast", "production"),
		}},
		{ServerID: "development", Name: "Development", Version: "1.0.0", Tools: []ToolDescriptor{
			query("plan", "Development spacing and capex plan", "development.compute", "development", "capex", "production"),
		}},
		{ServerID: "infrastructure", Name: "Infrastructure", Version: "1.0.0", Tools: []ToolDescriptor{
			query("assess", "Midstream, water and power access assessment", "infrastructure.read", "infrastructure", "midstream"),
		}},
		{ServerID: "research", Name: "Research", Version: "1.0.0", Tools: []ToolDescriptor{
			query("search", "Basin research and offset operator activity", "research.read", "research", "offsets"),
		}},
		{ServerID: "decision", Name: "Decision", Version: "1.0.0", Tools: []ToolDescriptor{
			query("recommend", "Investment recommendation from valuation and risk", "decision.compute", "decision", "recommendation"),
			command("approve", "Record an investment approval", "workflow.invoke", "decision", "approval"),
		}},
		{ServerID: "reporting", Name: "Reporting", Version: "1.0.0", Tools: []ToolDescriptor{
			query("summarize", "Evaluation report for a tract", "reporting.read", "reporting", "report"),
			command("publish", "Publish an evaluation report to the data room", "reporting.publish", "reporting", "report"),
		}},
		{ServerID: "notary", Name: "Notary", Version: "1.0.0", Tools: []ToolDescriptor{
			query("draft_loi", "Draft a letter of intent", "notary.read", "notary", "loi"),
			sign,
		}},
	}}
}
