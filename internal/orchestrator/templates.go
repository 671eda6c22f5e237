/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package orchestrator

import (
	"sort"

	"github.com/a2ahub/a2a-engine/internal/types"
)

// Built-in workflow types
const (
	TypeFinancialCompliance = "FINANCIAL_COMPLIANCE"
	TypeMeetingFollowup     = "MEETING_FOLLOWUP"
	TypeERPReconciliation   = "ERP_RECONCILIATION"
	TypeCustom              = "CUSTOM"
)

var templates = map[string][]Step{
	TypeFinancialCompliance: {
		{Capability: types.CapabilityFinancialAnalysis, Action: "analyze_financials", Description: "Analyze financial statements"},
		{Capability: types.CapabilityCompliance, Action: "check_compliance", Description: "Check findings against compliance rules"},
		{Capability: types.CapabilityReporting, Action: "generate_report", Description: "Produce the compliance report"},
		{Capability: types.CapabilityUIPublishing, Action: "publish_results", Description: "Publish the report to the tenant dashboard"},
	},
	TypeMeetingFollowup: {
		{Capability: types.CapabilityMeetingSummarization, Action: "summarize_meeting", Description: "Summarize the meeting transcript"},
		{Capability: types.CapabilityAnalysis, Action: "extract_action_items", Description: "Extract owners and action items"},
		{Capability: types.CapabilityCommunication, Action: "notify_participants", Description: "Send follow-ups to participants"},
	},
	TypeERPReconciliation: {
		{Capability: types.CapabilityERPSync, Action: "sync_erp_data", Description: "Pull ledgers from the ERP"},
		{Capability: types.CapabilityFinancialAnalysis, Action: "reconcile_accounts", Description: "Reconcile accounts against bank data"},
		{Capability: types.CapabilityCompliance, Action: "verify_compliance", Description: "Flag reconciliation exceptions"},
		{Capability: types.CapabilityReporting, Action: "generate_report", Description: "Produce the reconciliation report"},
	},
}

// Template returns a numbered copy of the steps for workflowType
func Template(workflowType string) ([]Step, bool) {
	tpl, ok := templates[workflowType]
	if !ok {
		return nil, false
	}
	return number(tpl), true
}

// Types lists the built-in workflow types
func Types() []string {
	out := make([]string, 0, len(templates))
	for t := range templates {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func number(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Number = i + 1
		out[i] = s
	}
	return out
}
