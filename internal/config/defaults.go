package config

// Default returns a complete baseline scenario: a small town with a modest
// isolation and testing response, vaccination from day 60, no mass ingress.
func Default() *Scenario {
	return &Scenario{
		Location:    "Baseline town",
		Description: "Default scenario written by covidsim init",
		PreparedBy:  "covidsim",
		Date:        "2026-01-01",
		Seed:        42,
		Model: Model{
			Mortalities: Demography{
				Age: map[string]float64{
					"00-09": 0.0, "10-19": 0.0019, "20-29": 0.0019, "30-39": 0.0040,
					"40-49": 0.0081, "50-59": 0.0202, "60-69": 0.0506, "70-79": 0.1012, "80+": 0.2023,
				},
				Sex: map[string]float64{"male": 0.618, "female": 0.382},
			},
			Distributions: Demography{
				Age: map[string]float64{
					"00-09": 0.12, "10-19": 0.13, "20-29": 0.14, "30-39": 0.13,
					"40-49": 0.12, "50-59": 0.13, "60-69": 0.11, "70-79": 0.08, "80+": 0.04,
				},
				Sex: map[string]float64{"male": 0.49, "female": 0.51},
			},
			Value: Value{
				Private: map[string]float64{
					"susceptible": 1.0, "exposed": 1.0, "asymptomatic": 1.0, "sympdetected": -0.2,
					"asympdetected": -0.2, "severe": -5.0, "recovered": 0.8, "deceased": 0.0,
				},
				Public: map[string]float64{
					"susceptible": 10.0, "exposed": 10.0, "asymptomatic": -5.0, "sympdetected": -1.0,
					"asympdetected": -0.2, "severe": -5.0, "recovered": 5.0, "deceased": -5.0,
				},
				TestCost:     200,
				AlphaPrivate: 1.0,
				AlphaPublic:  1.0,
			},
			Epidemiology: Epidemiology{
				NumAgents:              1000,
				Width:                  50,
				Height:                 50,
				Repscaling:             1,
				Kmob:                   0.4781,
				RateInbound:            0.0002,
				PropInitialInfected:    0.002,
				AvgIncubationTime:      5,
				AvgRecoveryTime:        15,
				ProportionAsymptomatic: 0.35,
				ProportionSevere:       0.13,
				ProbContagion:          0.03,
				ProportionBedsPop:      0.01,
			},
			Policies: Policies{
				Isolation: Isolation{
					ProportionIsolated:     0.3,
					DayStartIsolation:      14,
					DaysIsolationLasts:     60,
					AfterIsolation:         0.05,
					ProbIsolationEffective: 0.8,
				},
				Distancing: Distancing{
					SocialDistance:      1.89,
					DayDistancingStart:  14,
					DaysDistancingLasts: 365,
				},
				Testing: Testing{
					ProportionDetected: 0.1,
					DayTestingStart:    20,
					DaysTestingLasts:   365,
				},
				Tracing: Tracing{
					DayTracingStart:  20,
					DaysTracingLasts: 365,
				},
				MassIngress: MassIngress{
					NewAgentAgeMean: 3,
				},
				VaccineRollout: VaccineRollout{
					DayVaccinationBegin: 60,
					DayVaccinationEnd:   365,
					EffectivePeriod:     14,
					Effectiveness:       0.9,
					DistributionRate:    20,
					CostPerVaccine:      20,
					VaccinationPercent:  0.7,
				},
			},
		},
		Movement: Movement{Mode: "moore"},
		Output: Output{
			AgentStorage:        0,
			ModelStorage:        StorageEveryTick,
			AgentIncrement:      96,
			ModelIncrement:      96,
			ModelSaveFile:       "out/model.csv",
			AgentSaveFile:       "out/agents.csv",
			CheckpointEveryDays: 0,
			CheckpointDir:       "out/checkpoints",
			Database:            "out/runs.db",
		},
		Ensemble: Ensemble{
			Runs:  4,
			Steps: 180 * 96,
		},
	}
}
